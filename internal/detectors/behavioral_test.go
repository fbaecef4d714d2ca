package detectors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nathan/mailsentry/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBaselineStore struct {
	baseline *core.SenderBaseline
	getErr   error
	recorded int
}

func (f *fakeBaselineStore) Get(ctx context.Context, sender string) (*core.SenderBaseline, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.baseline, nil
}

func (f *fakeBaselineStore) Record(ctx context.Context, sender, recipient string, at time.Time) error {
	f.recorded++
	return nil
}

func behavioralBundle(at time.Time) *core.FeatureBundle {
	return &core.FeatureBundle{
		MessageID:  "msg-1",
		Sender:     "alice@corp.example",
		Recipient:  "bob@corp.example",
		ReceivedAt: at,
	}
}

func TestBehavioralDetectorFirstSeenSender(t *testing.T) {
	store := &fakeBaselineStore{}
	detector := NewBehavioralDetector(store, zap.NewNop())

	result, err := detector.Score(context.Background(), behavioralBundle(time.Now()))
	require.NoError(t, err)

	assert.InDelta(t, 0.4, result.Score, 0.001)
	assert.InDelta(t, 0.35, result.Confidence, 0.001)
	assert.Contains(t, result.Indicators, "first_seen_sender")
	assert.Equal(t, 1, store.recorded)
}

func TestBehavioralDetectorEstablishedSender(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	baseline := &core.SenderBaseline{
		Sender:       "alice@corp.example",
		MessageCount: 20,
		Recipients:   []string{"bob@corp.example"},
	}
	baseline.HourHistogram[10] = 20

	detector := NewBehavioralDetector(&fakeBaselineStore{baseline: baseline}, zap.NewNop())

	result, err := detector.Score(context.Background(), behavioralBundle(at))
	require.NoError(t, err)

	assert.InDelta(t, 0.05, result.Score, 0.001)
	assert.InDelta(t, 0.7, result.Confidence, 0.001)
	assert.Empty(t, result.Indicators)
}

func TestBehavioralDetectorUnusualRecipient(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	baseline := &core.SenderBaseline{
		Sender:       "alice@corp.example",
		MessageCount: 20,
		Recipients:   []string{"carol@corp.example"},
	}
	baseline.HourHistogram[10] = 20

	detector := NewBehavioralDetector(&fakeBaselineStore{baseline: baseline}, zap.NewNop())

	result, err := detector.Score(context.Background(), behavioralBundle(at))
	require.NoError(t, err)

	assert.InDelta(t, 0.35, result.Score, 0.001)
	assert.Contains(t, result.Indicators, "unusual_recipient")
}

func TestBehavioralDetectorOffHoursSend(t *testing.T) {
	// All historical traffic at 10:00; this message arrives at 03:00
	at := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	baseline := &core.SenderBaseline{
		Sender:       "alice@corp.example",
		MessageCount: 50,
		Recipients:   []string{"bob@corp.example"},
	}
	baseline.HourHistogram[10] = 50

	detector := NewBehavioralDetector(&fakeBaselineStore{baseline: baseline}, zap.NewNop())

	result, err := detector.Score(context.Background(), behavioralBundle(at))
	require.NoError(t, err)

	assert.InDelta(t, 0.45, result.Score, 0.001)
	assert.Contains(t, result.Indicators, "off_hours_send")
	// Confidence is capped regardless of history depth
	assert.InDelta(t, 0.85, result.Confidence, 0.001)
}

func TestBehavioralDetectorSparseHistorySkipsHourCheck(t *testing.T) {
	at := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	baseline := &core.SenderBaseline{
		Sender:       "alice@corp.example",
		MessageCount: 5,
		Recipients:   []string{"bob@corp.example"},
	}
	baseline.HourHistogram[10] = 5

	detector := NewBehavioralDetector(&fakeBaselineStore{baseline: baseline}, zap.NewNop())

	result, err := detector.Score(context.Background(), behavioralBundle(at))
	require.NoError(t, err)

	assert.NotContains(t, result.Indicators, "off_hours_send")
}

func TestBehavioralDetectorStoreFailure(t *testing.T) {
	store := &fakeBaselineStore{getErr: errors.New("store offline")}
	detector := NewBehavioralDetector(store, zap.NewNop())

	_, err := detector.Score(context.Background(), behavioralBundle(time.Now()))
	assert.Error(t, err)
}
