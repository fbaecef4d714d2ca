package quarantine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/metrics"
	"github.com/nathan/mailsentry/internal/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// LifecycleAction is an operator action on a quarantined item
type LifecycleAction string

const (
	ActionRelease   LifecycleAction = "release"
	ActionDelete    LifecycleAction = "delete"
	ActionWhitelist LifecycleAction = "whitelist"
	ActionBlacklist LifecycleAction = "blacklist"
)

var validActions = map[LifecycleAction]bool{
	ActionRelease: true, ActionDelete: true,
	ActionWhitelist: true, ActionBlacklist: true,
}

// Manager owns the quarantine lifecycle state machine. All lifecycle
// actions are only available from the quarantined state; released and
// deleted are terminal.
type Manager struct {
	store           core.QuarantineStore
	lists           core.SenderListStore
	bulkParallelism int
	logger          *zap.Logger
}

// NewManager creates a quarantine manager
func NewManager(
	store core.QuarantineStore,
	lists core.SenderListStore,
	cfg config.QuarantineConfig,
	logger *zap.Logger,
) *Manager {
	parallelism := cfg.BulkParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Manager{
		store:           store,
		lists:           lists,
		bulkParallelism: parallelism,
		logger:          logger,
	}
}

// Quarantine creates a quarantine record for an email, or escalates the
// existing one. One record per quarantined email.
func (m *Manager) Quarantine(
	ctx context.Context,
	email *core.EmailRecord,
	reason core.QuarantineReason,
	score, confidence float64,
) (*core.QuarantineRecord, error) {
	if email == nil || email.MessageID == "" {
		return nil, fmt.Errorf("%w: missing email", core.ErrValidation)
	}

	existing, err := m.store.GetByEmail(ctx, email.MessageID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("quarantine lookup: %w", err)
	}
	if existing != nil && existing.Status == core.StatusQuarantined {
		return m.Escalate(ctx, email.MessageID, reason, score)
	}

	record := &core.QuarantineRecord{
		ID:            uuid.New(),
		EmailID:       email.MessageID,
		SenderDomain:  utils.DomainOf(email.Sender),
		Reason:        reason,
		ThreatScore:   score,
		Confidence:    confidence,
		Status:        core.StatusQuarantined,
		QuarantinedAt: time.Now(),
	}
	if err := m.store.Create(ctx, record); err != nil {
		metrics.QuarantineActionsTotal.WithLabelValues("quarantine", "error").Inc()
		return nil, fmt.Errorf("create quarantine record: %w", err)
	}

	metrics.QuarantineActionsTotal.WithLabelValues("quarantine", "ok").Inc()
	m.logger.Info("Email quarantined",
		zap.String("email_id", email.MessageID),
		zap.String("reason", string(reason)),
		zap.Float64("threat_score", score))

	return record, nil
}

// Escalate raises an active record's score and reason after a sandbox
// re-score. Escalation is monotonic: a lower score or weaker reason is
// ignored, and terminal records are left untouched.
func (m *Manager) Escalate(
	ctx context.Context,
	emailID string,
	reason core.QuarantineReason,
	score float64,
) (*core.QuarantineRecord, error) {
	record, err := m.store.GetByEmail(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("escalation lookup: %w", err)
	}
	if record.Status != core.StatusQuarantined {
		m.logger.Debug("Skipping escalation of closed quarantine record",
			zap.String("email_id", emailID),
			zap.String("status", string(record.Status)))
		return record, nil
	}

	changed := false
	if score > record.ThreatScore {
		record.ThreatScore = score
		changed = true
	}
	if stricter := core.StricterReason(record.Reason, reason); stricter != record.Reason {
		record.Reason = stricter
		changed = true
	}
	if !changed {
		return record, nil
	}

	if err := m.store.Update(ctx, record); err != nil {
		return nil, fmt.Errorf("escalate quarantine record: %w", err)
	}
	m.logger.Info("Quarantine record escalated",
		zap.String("email_id", emailID),
		zap.String("reason", string(record.Reason)),
		zap.Float64("threat_score", record.ThreatScore))
	return record, nil
}

// Get returns a record by id
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*core.QuarantineRecord, error) {
	return m.store.Get(ctx, id)
}

// List returns records by status with pagination
func (m *Manager) List(ctx context.Context, status core.QuarantineStatus, limit, offset int) ([]core.QuarantineRecord, error) {
	return m.store.List(ctx, status, limit, offset)
}

// Apply performs one lifecycle action on a record. Whitelist and blacklist
// write through to the sender list before releasing or deleting.
func (m *Manager) Apply(
	ctx context.Context,
	id uuid.UUID,
	action LifecycleAction,
	actor, reason string,
) (*core.QuarantineRecord, error) {
	if !validActions[action] {
		return nil, fmt.Errorf("%w: unknown action %q", core.ErrValidation, action)
	}

	record, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != core.StatusQuarantined {
		metrics.QuarantineActionsTotal.WithLabelValues(string(action), "invalid").Inc()
		return nil, fmt.Errorf("%w: record %s is %s", core.ErrInvalidTransition, id, record.Status)
	}

	switch action {
	case ActionWhitelist:
		if record.SenderDomain == "" {
			return nil, fmt.Errorf("%w: record has no sender domain to whitelist", core.ErrValidation)
		}
		if err := m.lists.Allow(ctx, record.SenderDomain); err != nil {
			return nil, fmt.Errorf("whitelist sender domain: %w", err)
		}
		record.Status = core.StatusReleased
	case ActionBlacklist:
		if record.SenderDomain == "" {
			return nil, fmt.Errorf("%w: record has no sender domain to blacklist", core.ErrValidation)
		}
		if err := m.lists.Deny(ctx, record.SenderDomain); err != nil {
			return nil, fmt.Errorf("blacklist sender domain: %w", err)
		}
		record.Status = core.StatusDeleted
	case ActionRelease:
		record.Status = core.StatusReleased
	case ActionDelete:
		record.Status = core.StatusDeleted
	}

	now := time.Now()
	record.ResolvedAt = &now
	record.ResolvedBy = actor
	record.ResolutionReason = reason

	if err := m.store.Update(ctx, record); err != nil {
		metrics.QuarantineActionsTotal.WithLabelValues(string(action), "error").Inc()
		return nil, fmt.Errorf("apply %s: %w", action, err)
	}

	metrics.QuarantineActionsTotal.WithLabelValues(string(action), "ok").Inc()
	m.logger.Info("Quarantine action applied",
		zap.String("record_id", id.String()),
		zap.String("action", string(action)),
		zap.String("actor", actor))

	return record, nil
}

// BulkApply performs one action over many records. Items are processed
// independently with bounded parallelism; one failure never blocks the
// rest.
func (m *Manager) BulkApply(
	ctx context.Context,
	ids []uuid.UUID,
	action LifecycleAction,
	actor, reason string,
) *core.BulkActionResult {
	result := &core.BulkActionResult{Errors: make(map[string]string)}

	var mu sync.Mutex
	var wg sync.WaitGroup
	slots := semaphore.NewWeighted(int64(m.bulkParallelism))

	for _, id := range ids {
		if err := slots.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.FailedActions++
			result.Errors[id.String()] = "cancelled"
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			defer slots.Release(1)

			_, err := m.Apply(ctx, id, action, actor, reason)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.FailedActions++
				result.Errors[id.String()] = err.Error()
				return
			}
			result.SuccessfulActions++
		}(id)
	}

	wg.Wait()
	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	return result
}
