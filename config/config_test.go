package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
http:
  port: 9000
  timeout: 5s
database:
  path: test.db
log:
  level: debug
lightning:
  host: lnd.example.com:8080
ml:
  cache_size: 16
  spill_dir: models
system_params_path: params.yaml
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Http.Port != 9000 || cfg.Http.Timeout != 5*time.Second {
		t.Fatalf("unexpected http config: %+v", cfg.Http)
	}
	if cfg.Database.Path != "test.db" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Lightning.Host != "lnd.example.com:8080" {
		t.Fatalf("unexpected lightning config: %+v", cfg.Lightning)
	}
	if cfg.ML.CacheSize != 16 || cfg.ML.SpillDir != "models" {
		t.Fatalf("unexpected ml config: %+v", cfg.ML)
	}
	if cfg.SystemParamsPath != "params.yaml" {
		t.Fatalf("unexpected system params path: %q", cfg.SystemParamsPath)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "{}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Http.Port != 8000 {
		t.Fatalf("expected default port 8000, got %d", cfg.Http.Port)
	}
	if cfg.Http.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s, got %v", cfg.Http.Timeout)
	}
	if cfg.Database.Path != "session_info.db" {
		t.Fatalf("expected default database path, got %q", cfg.Database.Path)
	}
	if cfg.ML.CacheSize != 128 {
		t.Fatalf("expected default cache size 128, got %d", cfg.ML.CacheSize)
	}
	if cfg.SystemParamsPath != "system_params.yaml" {
		t.Fatalf("expected default system params path, got %q", cfg.SystemParamsPath)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadSystemParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	writeFile(t, path, `
price_per_iteration: 250
continuous_mode_iterations: 40
continuous_mode_fixed_payment: 9000
`)

	params, err := LoadSystemParams(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.PricePerIteration != 250 {
		t.Fatalf("expected price 250, got %d", params.PricePerIteration)
	}
	if params.ContinuousModeIterations != 40 || params.ContinuousModeFixedPayment != 9000 {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestParamsWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	writeFile(t, path, "price_per_iteration: 100\n")

	watcher, err := WatchSystemParams(path, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer watcher.Close()

	if got := watcher.Params().PricePerIteration; got != 100 {
		t.Fatalf("expected price 100, got %d", got)
	}

	writeFile(t, path, "price_per_iteration: 500\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if watcher.Params().PricePerIteration == 500 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("price never reloaded, still %d", watcher.Params().PricePerIteration)
}
