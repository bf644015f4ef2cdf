package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the service configuration loaded once at startup.
type Config struct {
	Http struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	} `yaml:"http"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Log struct {
		Level string `yaml:"level"`
		Path  string `yaml:"path"`
	} `yaml:"log"`
	Lightning struct {
		Host         string        `yaml:"host"`
		TLSCertPath  string        `yaml:"tls_cert_path"`
		MacaroonPath string        `yaml:"macaroon_path"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"lightning"`
	ML struct {
		CacheSize int    `yaml:"cache_size"`
		SpillDir  string `yaml:"spill_dir"`
	} `yaml:"ml"`
	SystemParamsPath string `yaml:"system_params_path"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(config *Config) {
	if config.Http.Port == 0 {
		config.Http.Port = 8000
	}
	if config.Http.Timeout == 0 {
		config.Http.Timeout = 30 * time.Second
	}
	if len(config.Http.AllowedOrigins) == 0 {
		config.Http.AllowedOrigins = []string{"*"}
	}
	if config.Http.MaxBodyBytes == 0 {
		config.Http.MaxBodyBytes = 1 << 20
	}
	if config.Database.Path == "" {
		config.Database.Path = "session_info.db"
	}
	if config.Lightning.Timeout == 0 {
		config.Lightning.Timeout = 10 * time.Second
	}
	if config.ML.CacheSize == 0 {
		config.ML.CacheSize = 128
	}
	if config.SystemParamsPath == "" {
		config.SystemParamsPath = "system_params.yaml"
	}
}
