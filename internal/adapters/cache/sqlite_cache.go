package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nathan/mailsentry/internal/core"
	"go.uber.org/zap"
)

// SQLiteCache is a SQLite implementation of the ReputationCache port.
// Scores live in a TTL table; history rows are append-only.
type SQLiteCache struct {
	db          *sql.DB
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
}

// NewSQLiteCache creates a new SQLite reputation cache
func NewSQLiteCache(dbPath string, logger *zap.Logger, cleanupFreq time.Duration) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reputation_cache (
			domain TEXT PRIMARY KEY,
			score_json TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reputation_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			score_json TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history table: %w", err)
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON reputation_cache(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_domain ON reputation_history(domain, id)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	cache := &SQLiteCache{
		db:          db,
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
	}

	// Start background cleanup
	go cache.startCleanupTask()

	return cache, nil
}

// Get retrieves a cached score; ok is false when absent or expired
func (c *SQLiteCache) Get(ctx context.Context, domain string) (*core.DomainReputationScore, bool) {
	var scoreJSON string
	err := c.db.QueryRowContext(ctx, `
		SELECT score_json
		FROM reputation_cache
		WHERE domain = ? AND expires_at > ?
	`, domain, time.Now().UTC().Format(time.RFC3339)).Scan(&scoreJSON)

	if err != nil {
		if err != sql.ErrNoRows {
			c.logger.Error("Failed to query reputation cache", zap.Error(err), zap.String("domain", domain))
		}
		return nil, false
	}

	var score core.DomainReputationScore
	if err := json.Unmarshal([]byte(scoreJSON), &score); err != nil {
		c.logger.Error("Failed to decode cached reputation score", zap.Error(err), zap.String("domain", domain))
		return nil, false
	}

	return &score, true
}

// Set stores a score with the given TTL
func (c *SQLiteCache) Set(ctx context.Context, score *core.DomainReputationScore, ttl time.Duration) error {
	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to encode reputation score: %w", err)
	}

	expiresAt := time.Now().UTC().Add(ttl)
	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reputation_cache (domain, score_json, expires_at)
		VALUES (?, ?, ?)
	`, score.Domain, string(scoreJSON), expiresAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}

	return nil
}

// AppendHistory appends one entry to the domain's history log
func (c *SQLiteCache) AppendHistory(ctx context.Context, score *core.DomainReputationScore) error {
	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to encode reputation score: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO reputation_history (domain, score_json, recorded_at)
		VALUES (?, ?, ?)
	`, score.Domain, string(scoreJSON), score.LastUpdated.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	return nil
}

// History returns past scores for a domain, most recent first
func (c *SQLiteCache) History(ctx context.Context, domain string, limit int) ([]core.DomainReputationScore, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT score_json
		FROM reputation_history
		WHERE domain = ?
		ORDER BY id DESC
		LIMIT ?
	`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []core.DomainReputationScore
	for rows.Next() {
		var scoreJSON string
		if err := rows.Scan(&scoreJSON); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		var score core.DomainReputationScore
		if err := json.Unmarshal([]byte(scoreJSON), &score); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		out = append(out, score)
	}

	return out, rows.Err()
}

// Cleanup removes expired cache entries; history is never pruned here
func (c *SQLiteCache) Cleanup(ctx context.Context) error {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM reputation_cache
		WHERE expires_at <= ?
	`, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to clean up expired entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		c.logger.Warn("Failed to get rows affected during cleanup", zap.Error(err))
	} else {
		c.logger.Debug("Cleaned up expired reputation entries", zap.Int64("expired_count", rowsAffected))
	}

	return nil
}

// startCleanupTask starts a background task to clean up expired entries
func (c *SQLiteCache) startCleanupTask() {
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

// Stop stops the background cleanup task and closes the database connection
func (c *SQLiteCache) Stop() {
	close(c.stopCh)
	if err := c.db.Close(); err != nil {
		c.logger.Error("Failed to close SQLite database", zap.Error(err))
	}
}
