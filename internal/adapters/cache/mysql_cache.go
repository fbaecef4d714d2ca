package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/nathan/mailsentry/internal/core"
	"go.uber.org/zap"
)

// MySQLCache is a MySQL implementation of the ReputationCache port
type MySQLCache struct {
	db          *sql.DB
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
}

// NewMySQLCache creates a new MySQL reputation cache
func NewMySQLCache(dsn string, logger *zap.Logger, cleanupFreq time.Duration) (*MySQLCache, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reputation_cache (
			domain VARCHAR(255) PRIMARY KEY,
			score_json TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			INDEX idx_cache_expires_at (expires_at)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reputation_history (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			domain VARCHAR(255) NOT NULL,
			score_json TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			INDEX idx_history_domain (domain, id)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history table: %w", err)
	}

	cache := &MySQLCache{
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
func (c *MySQLCache) Get(ctx context.Context, domain string) (*core.DomainReputationScore, bool) {
	var scoreJSON string
	err := c.db.QueryRowContext(ctx, `
		SELECT score_json
		FROM reputation_cache
		WHERE domain = ? AND expires_at > NOW()
	`, domain).Scan(&scoreJSON)

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
func (c *MySQLCache) Set(ctx context.Context, score *core.DomainReputationScore, ttl time.Duration) error {
	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to encode reputation score: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO reputation_cache (domain, score_json, expires_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE score_json = VALUES(score_json), expires_at = VALUES(expires_at)
	`, score.Domain, string(scoreJSON), time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}

	return nil
}

// AppendHistory appends one entry to the domain's history log
func (c *MySQLCache) AppendHistory(ctx context.Context, score *core.DomainReputationScore) error {
	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to encode reputation score: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO reputation_history (domain, score_json, recorded_at)
		VALUES (?, ?, ?)
	`, score.Domain, string(scoreJSON), score.LastUpdated.UTC())
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	return nil
}

// History returns past scores for a domain, most recent first
func (c *MySQLCache) History(ctx context.Context, domain string, limit int) ([]core.DomainReputationScore, error) {
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

// Cleanup removes expired cache entries
func (c *MySQLCache) Cleanup(ctx context.Context) error {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM reputation_cache
		WHERE expires_at <= NOW()
	`)
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
func (c *MySQLCache) startCleanupTask() {
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
func (c *MySQLCache) Stop() {
	close(c.stopCh)
	if err := c.db.Close(); err != nil {
		c.logger.Error("Failed to close MySQL database", zap.Error(err))
	}
}
