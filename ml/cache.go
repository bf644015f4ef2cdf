package ml

import (
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ModelCache maps session ids to their learners. The cache is bounded: the
// least recently used learner is evicted when full, and if a spill directory
// is configured the evicted learner is persisted there and transparently
// reloaded on the next lookup. Key uniqueness in the LRU gives the
// at-most-one-learner-per-session guarantee.
type ModelCache struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *Learner]
	spillDir string
	log      *zap.Logger
}

func NewModelCache(size int, spillDir string, logger *zap.Logger) (*ModelCache, error) {
	if size <= 0 {
		size = 128
	}
	if spillDir != "" {
		if err := os.MkdirAll(spillDir, 0o755); err != nil {
			return nil, err
		}
	}

	mc := &ModelCache{spillDir: spillDir, log: logger}
	cache, err := lru.NewWithEvict(size, mc.onEvict)
	if err != nil {
		return nil, err
	}
	mc.cache = cache
	return mc, nil
}

// Get returns the learner for sessionID, reloading a spilled learner from
// disk if the cache no longer holds it.
func (mc *ModelCache) Get(sessionID string) (*Learner, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if learner, ok := mc.cache.Get(sessionID); ok {
		return learner, true
	}
	if mc.spillDir == "" {
		return nil, false
	}

	learner, err := LoadLearner(mc.spillPath(sessionID))
	if err != nil {
		if !os.IsNotExist(err) {
			mc.log.Warn("failed to reload spilled learner",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, false
	}
	mc.cache.Add(sessionID, learner)
	mc.log.Info("reloaded learner from spill",
		zap.String("session_id", sessionID), zap.Int("samples", learner.SampleCount()))
	return learner, true
}

func (mc *ModelCache) Put(sessionID string, learner *Learner) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.cache.Add(sessionID, learner)
}

// Remove drops the learner and any spilled copy.
func (mc *ModelCache) Remove(sessionID string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	// cache.Remove fires the eviction callback, so the spill file is
	// deleted after it may have been rewritten.
	mc.cache.Remove(sessionID)
	if mc.spillDir != "" {
		os.Remove(mc.spillPath(sessionID))
	}
}

func (mc *ModelCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.cache.Len()
}

func (mc *ModelCache) onEvict(sessionID string, learner *Learner) {
	if mc.spillDir == "" {
		return
	}
	if err := learner.Save(mc.spillPath(sessionID)); err != nil {
		mc.log.Warn("failed to spill evicted learner",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	mc.log.Info("spilled evicted learner", zap.String("session_id", sessionID))
}

func (mc *ModelCache) spillPath(sessionID string) string {
	return filepath.Join(mc.spillDir, sessionID+".json")
}
