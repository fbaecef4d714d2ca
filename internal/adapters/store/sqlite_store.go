package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nathan/mailsentry/internal/core"
	"go.uber.org/zap"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS quarantine_records (
		id TEXT PRIMARY KEY,
		email_id TEXT NOT NULL UNIQUE,
		record_json TEXT NOT NULL,
		status TEXT NOT NULL,
		quarantined_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		incident_json TEXT NOT NULL,
		incident_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS incident_keys (
		correlation_key TEXT NOT NULL,
		incident_id TEXT NOT NULL,
		PRIMARY KEY (correlation_key, incident_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sender_baselines (
		sender TEXT PRIMARY KEY,
		baseline_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sender_lists (
		domain TEXT PRIMARY KEY,
		verdict TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email_id TEXT NOT NULL,
		result_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quarantine_status ON quarantine_records(status, quarantined_at)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status, last_seen)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_email ON analysis_results(email_id, id)`,
}

// SQLiteStore persists all record types in a single SQLite database. Rows
// carry a JSON document plus the columns queries filter on.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens or creates the database at dbPath
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create stores a new quarantine record
func (s *SQLiteStore) Create(ctx context.Context, record *core.QuarantineRecord) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode quarantine record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quarantine_records (id, email_id, record_json, status, quarantined_at)
		VALUES (?, ?, ?, ?, ?)
	`, record.ID.String(), record.EmailID, string(recordJSON), string(record.Status),
		record.QuarantinedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return core.ErrConflict
		}
		return fmt.Errorf("failed to insert quarantine record: %w", err)
	}
	return nil
}

// Get returns a quarantine record by id
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*core.QuarantineRecord, error) {
	return s.scanQuarantine(s.db.QueryRowContext(ctx, `
		SELECT record_json FROM quarantine_records WHERE id = ?
	`, id.String()))
}

// GetByEmail returns the quarantine record for an email
func (s *SQLiteStore) GetByEmail(ctx context.Context, emailID string) (*core.QuarantineRecord, error) {
	return s.scanQuarantine(s.db.QueryRowContext(ctx, `
		SELECT record_json FROM quarantine_records WHERE email_id = ?
	`, emailID))
}

// Update replaces an existing quarantine record
func (s *SQLiteStore) Update(ctx context.Context, record *core.QuarantineRecord) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode quarantine record: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE quarantine_records SET record_json = ?, status = ? WHERE id = ?
	`, string(recordJSON), string(record.Status), record.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update quarantine record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// List returns quarantine records filtered by status, newest first
func (s *SQLiteStore) List(ctx context.Context, status core.QuarantineStatus, limit, offset int) ([]core.QuarantineRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT record_json FROM quarantine_records`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY quarantined_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantine records: %w", err)
	}
	defer rows.Close()

	var out []core.QuarantineRecord
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine row: %w", err)
		}
		var record core.QuarantineRecord
		if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
			return nil, fmt.Errorf("failed to decode quarantine record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Insert stores a new incident and indexes its correlation keys
func (s *SQLiteStore) Insert(ctx context.Context, incident *core.Incident) error {
	incidentJSON, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("failed to encode incident: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO incidents (id, incident_json, incident_type, severity, status, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, incident.IncidentID.String(), string(incidentJSON), string(incident.Type),
		string(incident.Severity), string(incident.Status),
		incident.FirstSeen.UTC().Format(time.RFC3339),
		incident.LastSeen.UTC().Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return core.ErrConflict
		}
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	if err := indexIncidentKeys(ctx, tx, incident); err != nil {
		return err
	}
	return tx.Commit()
}

// GetIncident returns an incident by id
func (s *SQLiteStore) GetIncident(ctx context.Context, id uuid.UUID) (*core.Incident, error) {
	var incidentJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT incident_json FROM incidents WHERE id = ?
	`, id.String()).Scan(&incidentJSON)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query incident: %w", err)
	}

	var incident core.Incident
	if err := json.Unmarshal([]byte(incidentJSON), &incident); err != nil {
		return nil, fmt.Errorf("failed to decode incident: %w", err)
	}
	return &incident, nil
}

// UpdateIncident replaces an incident and refreshes its key index
func (s *SQLiteStore) UpdateIncident(ctx context.Context, incident *core.Incident) error {
	incidentJSON, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("failed to encode incident: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE incidents
		SET incident_json = ?, incident_type = ?, severity = ?, status = ?, last_seen = ?
		WHERE id = ?
	`, string(incidentJSON), string(incident.Type), string(incident.Severity),
		string(incident.Status), incident.LastSeen.UTC().Format(time.RFC3339),
		incident.IncidentID.String())
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}

	if err := indexIncidentKeys(ctx, tx, incident); err != nil {
		return err
	}
	return tx.Commit()
}

// FindActiveByKeys returns active incidents sharing any of the given
// correlation keys, oldest first
func (s *SQLiteStore) FindActiveByKeys(ctx context.Context, keys []string) ([]core.Incident, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		args = append(args, key)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT i.incident_json
		FROM incidents i
		JOIN incident_keys k ON k.incident_id = i.id
		WHERE k.correlation_key IN (%s) AND i.status IN ('open', 'investigating')
		ORDER BY i.first_seen ASC
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents by key: %w", err)
	}
	defer rows.Close()

	return scanIncidents(rows)
}

// ListIncidents returns incidents matching the filter, most recent activity
// first
func (s *SQLiteStore) ListIncidents(ctx context.Context, filter core.IncidentFilter) ([]core.Incident, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT incident_json FROM incidents WHERE 1=1`
	args := []any{}
	if filter.Type != "" {
		query += ` AND incident_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY last_seen DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	return scanIncidents(rows)
}

// GetBaseline returns a sender's baseline, or nil when the sender is unknown
func (s *SQLiteStore) GetBaseline(ctx context.Context, sender string) (*core.SenderBaseline, error) {
	var baselineJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT baseline_json FROM sender_baselines WHERE sender = ?
	`, strings.ToLower(sender)).Scan(&baselineJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sender baseline: %w", err)
	}

	var baseline core.SenderBaseline
	if err := json.Unmarshal([]byte(baselineJSON), &baseline); err != nil {
		return nil, fmt.Errorf("failed to decode sender baseline: %w", err)
	}
	return &baseline, nil
}

// RecordObservation folds one observed message into the sender's baseline
func (s *SQLiteStore) RecordObservation(ctx context.Context, sender, recipient string, at time.Time) error {
	key := strings.ToLower(sender)

	baseline, err := s.GetBaseline(ctx, key)
	if err != nil {
		return err
	}
	if baseline == nil {
		baseline = &core.SenderBaseline{Sender: key, FirstSeen: at}
	}
	baseline.MessageCount++
	baseline.LastSeen = at
	baseline.HourHistogram[at.Hour()]++
	if recipient != "" && !baseline.KnowsRecipient(recipient) {
		baseline.Recipients = append(baseline.Recipients, recipient)
	}

	baselineJSON, err := json.Marshal(baseline)
	if err != nil {
		return fmt.Errorf("failed to encode sender baseline: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sender_baselines (sender, baseline_json)
		VALUES (?, ?)
	`, key, string(baselineJSON))
	if err != nil {
		return fmt.Errorf("failed to store sender baseline: %w", err)
	}
	return nil
}

// Allow adds a domain to the allow list
func (s *SQLiteStore) Allow(ctx context.Context, domain string) error {
	return s.setListVerdict(ctx, domain, "allow")
}

// Deny adds a domain to the deny list
func (s *SQLiteStore) Deny(ctx context.Context, domain string) error {
	return s.setListVerdict(ctx, domain, "deny")
}

// IsAllowed reports whether a domain is on the allow list
func (s *SQLiteStore) IsAllowed(ctx context.Context, domain string) (bool, error) {
	return s.hasListVerdict(ctx, domain, "allow")
}

// IsDenied reports whether a domain is on the deny list
func (s *SQLiteStore) IsDenied(ctx context.Context, domain string) (bool, error) {
	return s.hasListVerdict(ctx, domain, "deny")
}

// SaveAnalysis appends a scoring result to the email's analysis chain
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, result *core.ThreatAnalysisResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode analysis result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (email_id, result_json)
		VALUES (?, ?)
	`, result.EmailID, string(resultJSON))
	if err != nil {
		return fmt.Errorf("failed to insert analysis result: %w", err)
	}
	return nil
}

// LatestAnalysis returns the most recent result for an email
func (s *SQLiteStore) LatestAnalysis(ctx context.Context, emailID string) (*core.ThreatAnalysisResult, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT result_json FROM analysis_results
		WHERE email_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, emailID).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis result: %w", err)
	}

	var result core.ThreatAnalysisResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis result: %w", err)
	}
	return &result, nil
}

func (s *SQLiteStore) setListVerdict(ctx context.Context, domain, verdict string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sender_lists (domain, verdict)
		VALUES (?, ?)
	`, strings.ToLower(domain), verdict)
	if err != nil {
		return fmt.Errorf("failed to update sender list: %w", err)
	}
	return nil
}

func (s *SQLiteStore) hasListVerdict(ctx context.Context, domain, verdict string) (bool, error) {
	var got string
	err := s.db.QueryRowContext(ctx, `
		SELECT verdict FROM sender_lists WHERE domain = ?
	`, strings.ToLower(domain)).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query sender list: %w", err)
	}
	return got == verdict, nil
}

func (s *SQLiteStore) scanQuarantine(row *sql.Row) (*core.QuarantineRecord, error) {
	var recordJSON string
	err := row.Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantine record: %w", err)
	}

	var record core.QuarantineRecord
	if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
		return nil, fmt.Errorf("failed to decode quarantine record: %w", err)
	}
	return &record, nil
}

func indexIncidentKeys(ctx context.Context, tx *sql.Tx, incident *core.Incident) error {
	for _, c := range incident.Correlations {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO incident_keys (correlation_key, incident_id)
			VALUES (?, ?)
		`, c.Key(), incident.IncidentID.String())
		if err != nil {
			return fmt.Errorf("failed to index correlation key: %w", err)
		}
	}
	return nil
}

func scanIncidents(rows *sql.Rows) ([]core.Incident, error) {
	var out []core.Incident
	for rows.Next() {
		var incidentJSON string
		if err := rows.Scan(&incidentJSON); err != nil {
			return nil, fmt.Errorf("failed to scan incident row: %w", err)
		}
		var incident core.Incident
		if err := json.Unmarshal([]byte(incidentJSON), &incident); err != nil {
			return nil, fmt.Errorf("failed to decode incident: %w", err)
		}
		out = append(out, incident)
	}
	return out, rows.Err()
}
