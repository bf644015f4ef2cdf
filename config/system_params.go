package config

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// SystemParams holds the billing parameters. They live in their own file so
// the operator can reprice without restarting the service.
type SystemParams struct {
	// PricePerIteration is the invoice amount in satoshis for one compute
	// iteration (one /train or /label call).
	PricePerIteration int64 `yaml:"price_per_iteration"`
	// ContinuousModeIterations is the quota assigned to continuous-mode
	// sessions, which are billed at a fixed price up front.
	ContinuousModeIterations int `yaml:"continuous_mode_iterations"`
	// ContinuousModeFixedPayment is that fixed price in satoshis.
	ContinuousModeFixedPayment int64 `yaml:"continuous_mode_fixed_payment"`
}

func LoadSystemParams(path string) (SystemParams, error) {
	var params SystemParams
	payload, err := os.ReadFile(path)
	if err != nil {
		return params, err
	}
	if err := yaml.Unmarshal(payload, &params); err != nil {
		return params, err
	}
	return params, nil
}

// ParamsWatcher serves the current system parameters and re-reads the file
// whenever it changes on disk.
type ParamsWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	log     *zap.Logger

	mu     sync.RWMutex
	params SystemParams
}

func WatchSystemParams(path string, logger *zap.Logger) (*ParamsWatcher, error) {
	params, err := LoadSystemParams(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	pw := &ParamsWatcher{
		path:    path,
		watcher: watcher,
		log:     logger,
		params:  params,
	}
	go pw.watch()
	return pw, nil
}

func (pw *ParamsWatcher) Params() SystemParams {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.params
}

func (pw *ParamsWatcher) Close() error {
	return pw.watcher.Close()
}

func (pw *ParamsWatcher) watch() {
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			params, err := LoadSystemParams(pw.path)
			if err != nil {
				pw.log.Warn("failed to reload system params", zap.String("path", pw.path), zap.Error(err))
				continue
			}
			pw.mu.Lock()
			pw.params = params
			pw.mu.Unlock()
			pw.log.Info("system params reloaded",
				zap.Int64("price_per_iteration", params.PricePerIteration))
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Warn("system params watcher error", zap.Error(err))
		}
	}
}
