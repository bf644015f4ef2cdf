package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"alsats/config"
	alhttp "alsats/http"
	"alsats/lightning"
	"alsats/logging"
	"alsats/ml"
	"alsats/monitoring"
	"alsats/service"
	"alsats/session"
)

func main() {
	// Look for config in root even if run from cmd/
	configPath := "config.yaml"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = filepath.Join("..", "config.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Path, cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	store, err := session.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to open session store", zap.Error(err))
	}
	defer store.Close()
	logger.Info("session store opened", zap.String("path", cfg.Database.Path))

	gateway, err := lightning.NewClient(cfg.Lightning.Host, cfg.Lightning.TLSCertPath,
		cfg.Lightning.MacaroonPath, cfg.Lightning.Timeout)
	if err != nil {
		logger.Fatal("failed to build lightning client", zap.Error(err))
	}

	params, err := config.WatchSystemParams(cfg.SystemParamsPath, logger)
	if err != nil {
		logger.Fatal("failed to load system params", zap.Error(err))
	}
	defer params.Close()

	cache, err := ml.NewModelCache(cfg.ML.CacheSize, cfg.ML.SpillDir, logger)
	if err != nil {
		logger.Fatal("failed to build model cache", zap.Error(err))
	}

	hub := monitoring.NewHub(logger)
	go hub.Start()
	defer hub.Stop()

	stats := monitoring.NewStats()

	orchestrator := service.New(store, gateway, cache, params, stats, hub, logger)
	handlers := alhttp.NewHandlers(orchestrator, hub, stats, logger)

	server := alhttp.NewServer(alhttp.ServerConfig{
		Port:           cfg.Http.Port,
		Timeout:        cfg.Http.Timeout,
		AllowedOrigins: cfg.Http.AllowedOrigins,
		MaxBodyBytes:   cfg.Http.MaxBodyBytes,
	}, handlers, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
}
