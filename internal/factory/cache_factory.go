package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nathan/mailsentry/internal/adapters/cache"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"go.uber.org/zap"
)

// CacheFactory creates reputation caches based on configuration
type CacheFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewCacheFactory creates a new cache factory
func NewCacheFactory(cfg *config.Config, logger *zap.Logger) *CacheFactory {
	return &CacheFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateReputationCache creates a reputation cache based on the configuration
func (f *CacheFactory) CreateReputationCache() (core.ReputationCache, error) {
	repCfg := f.cfg.GetReputation()

	switch repCfg.CacheType {
	case "memory":
		return cache.NewMemoryCache(f.logger, repCfg.CleanupFrequency, repCfg.HistoryLimit), nil
	case "sqlite":
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(repCfg.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return cache.NewSQLiteCache(repCfg.SQLitePath, f.logger, repCfg.CleanupFrequency)
	case "mysql":
		return cache.NewMySQLCache(repCfg.MySQLDSN, f.logger, repCfg.CleanupFrequency)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", repCfg.CacheType)
	}
}
