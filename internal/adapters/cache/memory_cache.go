package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nathan/mailsentry/internal/core"
	"go.uber.org/zap"
)

type memoryEntry struct {
	score     core.DomainReputationScore
	expiresAt time.Time
}

// MemoryCache is an in-memory implementation of the ReputationCache port.
// Entries are stored and returned by value so concurrent readers never
// observe a partially-updated score.
type MemoryCache struct {
	entries      map[string]memoryEntry
	history      map[string][]core.DomainReputationScore
	historyLimit int
	mu           sync.RWMutex
	logger       *zap.Logger
	cleanupFreq  time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewMemoryCache creates a new in-memory reputation cache
func NewMemoryCache(logger *zap.Logger, cleanupFreq time.Duration, historyLimit int) *MemoryCache {
	cache := &MemoryCache{
		entries:      make(map[string]memoryEntry),
		history:      make(map[string][]core.DomainReputationScore),
		historyLimit: historyLimit,
		logger:       logger,
		cleanupFreq:  cleanupFreq,
		stopCh:       make(chan struct{}),
	}

	// Start background cleanup
	go cache.startCleanupTask()

	return cache
}

// Get retrieves a cached score; ok is false when absent or expired
func (c *MemoryCache) Get(ctx context.Context, domain string) (*core.DomainReputationScore, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[domain]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		return nil, false
	}

	score := entry.score
	return &score, true
}

// Set stores a score with the given TTL
func (c *MemoryCache) Set(ctx context.Context, score *core.DomainReputationScore, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[score.Domain] = memoryEntry{
		score:     *score,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// AppendHistory appends one entry to the domain's history log
func (c *MemoryCache) AppendHistory(ctx context.Context, score *core.DomainReputationScore) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := append(c.history[score.Domain], *score)
	if c.historyLimit > 0 && len(log) > c.historyLimit {
		log = log[len(log)-c.historyLimit:]
	}
	c.history[score.Domain] = log
	return nil
}

// History returns past scores for a domain, most recent first
func (c *MemoryCache) History(ctx context.Context, domain string, limit int) ([]core.DomainReputationScore, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	log := c.history[domain]
	out := make([]core.DomainReputationScore, 0, len(log))
	for i := len(log) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, log[i])
	}
	return out, nil
}

// Cleanup removes expired entries
func (c *MemoryCache) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expiredCount := 0
	for domain, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, domain)
			expiredCount++
		}
	}

	c.logger.Debug("Cleaned up expired reputation entries", zap.Int("expired_count", expiredCount))
	return nil
}

// startCleanupTask starts a background task to clean up expired entries
func (c *MemoryCache) startCleanupTask() {
	ticker := time.NewTicker(c.cleanupFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Cleanup(context.Background()); err != nil {
				c.logger.Error("Failed to clean up reputation cache", zap.Error(err))
			}
		case <-c.stopCh:
			return
		}
	}
}

// Stop stops the background cleanup task
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
