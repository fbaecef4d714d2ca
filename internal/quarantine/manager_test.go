package quarantine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nathan/mailsentry/internal/adapters/store"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	backend := store.NewMemoryStore()
	mgr := NewManager(backend, backend, config.QuarantineConfig{BulkParallelism: 4}, zap.NewNop())
	return mgr, backend
}

func testEmail(id string) *core.EmailRecord {
	return &core.EmailRecord{
		MessageID:  id,
		Sender:     "mallory@shady.example",
		Recipient:  "bob@corp.example",
		ReceivedAt: time.Now(),
	}
}

func TestQuarantineCreatesRecord(t *testing.T) {
	mgr, _ := newTestManager(t)

	record, err := mgr.Quarantine(context.Background(), testEmail("msg-1"), core.ReasonSuspicious, 0.7, 0.8)
	require.NoError(t, err)

	assert.Equal(t, "msg-1", record.EmailID)
	assert.Equal(t, "shady.example", record.SenderDomain)
	assert.Equal(t, core.ReasonSuspicious, record.Reason)
	assert.Equal(t, core.StatusQuarantined, record.Status)
	assert.Equal(t, 0.7, record.ThreatScore)
	assert.False(t, record.QuarantinedAt.IsZero())
}

func TestQuarantineValidation(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.Quarantine(context.Background(), nil, core.ReasonSuspicious, 0.7, 0.8)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = mgr.Quarantine(context.Background(), &core.EmailRecord{}, core.ReasonSuspicious, 0.7, 0.8)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestQuarantineTwiceEscalatesExistingRecord(t *testing.T) {
	mgr, _ := newTestManager(t)
	email := testEmail("msg-1")

	first, err := mgr.Quarantine(context.Background(), email, core.ReasonSuspicious, 0.7, 0.8)
	require.NoError(t, err)

	second, err := mgr.Quarantine(context.Background(), email, core.ReasonMalicious, 0.9, 0.9)
	require.NoError(t, err)

	// One record per email: same id, escalated in place
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, core.ReasonMalicious, second.Reason)
	assert.Equal(t, 0.9, second.ThreatScore)

	records, err := mgr.List(context.Background(), core.StatusQuarantined, 0, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestEscalateIsMonotonic(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.Quarantine(context.Background(), testEmail("msg-1"), core.ReasonMalicious, 0.9, 0.9)
	require.NoError(t, err)

	record, err := mgr.Escalate(context.Background(), "msg-1", core.ReasonSuspicious, 0.5)
	require.NoError(t, err)

	assert.Equal(t, core.ReasonMalicious, record.Reason)
	assert.Equal(t, 0.9, record.ThreatScore)
}

func TestEscalateSkipsClosedRecords(t *testing.T) {
	mgr, _ := newTestManager(t)

	created, err := mgr.Quarantine(context.Background(), testEmail("msg-1"), core.ReasonSuspicious, 0.7, 0.8)
	require.NoError(t, err)
	_, err = mgr.Apply(context.Background(), created.ID, ActionRelease, "analyst@corp.example", "false alarm")
	require.NoError(t, err)

	record, err := mgr.Escalate(context.Background(), "msg-1", core.ReasonMalicious, 0.95)
	require.NoError(t, err)

	assert.Equal(t, core.StatusReleased, record.Status)
	assert.Equal(t, 0.7, record.ThreatScore)
}

func TestApplyLifecycleActions(t *testing.T) {
	tests := []struct {
		action      LifecycleAction
		wantStatus  core.QuarantineStatus
		wantAllowed bool
		wantDenied  bool
	}{
		{ActionRelease, core.StatusReleased, false, false},
		{ActionDelete, core.StatusDeleted, false, false},
		{ActionWhitelist, core.StatusReleased, true, false},
		{ActionBlacklist, core.StatusDeleted, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			mgr, backend := newTestManager(t)
			created, err := mgr.Quarantine(context.Background(), testEmail("msg-1"), core.ReasonSuspicious, 0.7, 0.8)
			require.NoError(t, err)

			record, err := mgr.Apply(context.Background(), created.ID, tt.action, "analyst@corp.example", "handled")
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, record.Status)
			assert.Equal(t, "analyst@corp.example", record.ResolvedBy)
			assert.Equal(t, "handled", record.ResolutionReason)
			require.NotNil(t, record.ResolvedAt)

			allowed, err := backend.IsAllowed(context.Background(), "shady.example")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, allowed)

			denied, err := backend.IsDenied(context.Background(), "shady.example")
			require.NoError(t, err)
			assert.Equal(t, tt.wantDenied, denied)
		})
	}
}

func TestApplyRejectsUnknownAction(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.Apply(context.Background(), uuid.New(), LifecycleAction("escalate"), "analyst", "")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestApplyRejectsTerminalRecords(t *testing.T) {
	mgr, _ := newTestManager(t)
	created, err := mgr.Quarantine(context.Background(), testEmail("msg-1"), core.ReasonSuspicious, 0.7, 0.8)
	require.NoError(t, err)

	_, err = mgr.Apply(context.Background(), created.ID, ActionRelease, "analyst", "first")
	require.NoError(t, err)

	for _, action := range []LifecycleAction{ActionRelease, ActionDelete, ActionWhitelist, ActionBlacklist} {
		_, err = mgr.Apply(context.Background(), created.ID, action, "analyst", "second")
		assert.ErrorIs(t, err, core.ErrInvalidTransition, "action %s", action)
	}
}

func TestApplyUnknownRecord(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.Apply(context.Background(), uuid.New(), ActionRelease, "analyst", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestBulkApplyReportsPerItemOutcomes(t *testing.T) {
	mgr, _ := newTestManager(t)

	ids := make([]uuid.UUID, 0, 3)
	for _, msg := range []string{"msg-1", "msg-2", "msg-3"} {
		record, err := mgr.Quarantine(context.Background(), testEmail(msg), core.ReasonSuspicious, 0.7, 0.8)
		require.NoError(t, err)
		ids = append(ids, record.ID)
	}

	// One record is already closed; its bulk action must fail alone
	_, err := mgr.Apply(context.Background(), ids[1], ActionDelete, "analyst", "confirmed bad")
	require.NoError(t, err)

	result := mgr.BulkApply(context.Background(), ids, ActionRelease, "analyst", "cleanup")

	assert.Equal(t, 2, result.SuccessfulActions)
	assert.Equal(t, 1, result.FailedActions)
	require.Contains(t, result.Errors, ids[1].String())

	for _, id := range []uuid.UUID{ids[0], ids[2]} {
		record, err := mgr.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, core.StatusReleased, record.Status)
	}
}

func TestBulkApplyCleanRunOmitsErrors(t *testing.T) {
	mgr, _ := newTestManager(t)

	record, err := mgr.Quarantine(context.Background(), testEmail("msg-1"), core.ReasonSuspicious, 0.7, 0.8)
	require.NoError(t, err)

	result := mgr.BulkApply(context.Background(), []uuid.UUID{record.ID}, ActionDelete, "analyst", "cleanup")

	assert.Equal(t, 1, result.SuccessfulActions)
	assert.Zero(t, result.FailedActions)
	assert.Nil(t, result.Errors)
}
