package incident

import (
	"context"
	"fmt"
	"sync"
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

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend := store.NewMemoryStore()
	return NewEngine(store.IncidentView{B: backend}, config.IncidentConfig{
		MinCorrelationConfidence: 0.5,
		LockStripes:              16,
	}, zap.NewNop())
}

func detectionEmail(id, sender string) *core.EmailRecord {
	return &core.EmailRecord{
		MessageID:  id,
		Sender:     sender,
		Recipient:  "bob@corp.example",
		ReceivedAt: time.Now(),
	}
}

func detectionResult(id string, verdict core.Verdict, score float64, indicators ...string) *core.ThreatAnalysisResult {
	return &core.ThreatAnalysisResult{
		ID:          uuid.New(),
		EmailID:     id,
		ThreatScore: score,
		Confidence:  0.8,
		Verdict:     verdict,
		Indicators:  indicators,
		AnalyzedAt:  time.Now(),
	}
}

func TestSubmitDetectionIgnoresBenign(t *testing.T) {
	engine := newTestEngine(t)

	incident, err := engine.SubmitDetection(context.Background(),
		detectionEmail("msg-1", "alice@corp.example"),
		detectionResult("msg-1", core.VerdictBenign, 0.1))

	require.NoError(t, err)
	assert.Nil(t, incident)
}

func TestSubmitDetectionValidation(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.SubmitDetection(context.Background(), nil, nil)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSubmitDetectionWithoutKeysOpensNothing(t *testing.T) {
	engine := newTestEngine(t)

	// No sender domain, no urls, no attachments, only a non-correlating
	// indicator
	incident, err := engine.SubmitDetection(context.Background(),
		&core.EmailRecord{MessageID: "msg-1", Sender: "postmaster"},
		detectionResult("msg-1", core.VerdictSuspicious, 0.5, "first_seen_sender"))

	require.NoError(t, err)
	assert.Nil(t, incident)
}

func TestSubmitDetectionOpensIncident(t *testing.T) {
	engine := newTestEngine(t)

	incident, err := engine.SubmitDetection(context.Background(),
		detectionEmail("msg-1", "mallory@shady.example"),
		detectionResult("msg-1", core.VerdictSuspicious, 0.5, "credential_phishing_language"))
	require.NoError(t, err)
	require.NotNil(t, incident)

	assert.Equal(t, core.IncidentPhishing, incident.Type)
	assert.Equal(t, core.IncidentOpen, incident.Status)
	assert.Equal(t, []string{"msg-1"}, incident.Members)
	assert.Equal(t, "Phishing campaign from shady.example", incident.Title)
	require.Len(t, incident.Timeline, 1)
	assert.Equal(t, "incident_opened", incident.Timeline[0].EventType)

	// sender_domain 0.9 + one corroborating indicator key
	assert.InDelta(t, 0.92, incident.ConfidenceScore, 0.001)
}

func TestSubmitDetectionCorrelatesSameCampaign(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.SubmitDetection(ctx,
		detectionEmail("msg-1", "mallory@shady.example"),
		detectionResult("msg-1", core.VerdictSuspicious, 0.5, "credential_phishing_language"))
	require.NoError(t, err)

	second, err := engine.SubmitDetection(ctx,
		detectionEmail("msg-2", "mallory@shady.example"),
		detectionResult("msg-2", core.VerdictMalicious, 0.9, "credential_phishing_language"))
	require.NoError(t, err)

	assert.Equal(t, first.IncidentID, second.IncidentID)
	assert.ElementsMatch(t, []string{"msg-1", "msg-2"}, second.Members)
	assert.Equal(t, core.SeverityCritical, second.Severity)
	require.Len(t, second.Timeline, 2)
	assert.Equal(t, "member_added", second.Timeline[1].EventType)
}

func TestSubmitDetectionSameEmailIsNotDoubleCounted(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.SubmitDetection(ctx,
		detectionEmail("msg-1", "mallory@shady.example"),
		detectionResult("msg-1", core.VerdictSuspicious, 0.5))
	require.NoError(t, err)

	// The sandbox re-score resubmits the same email
	incident, err := engine.SubmitDetection(ctx,
		detectionEmail("msg-1", "mallory@shady.example"),
		detectionResult("msg-1", core.VerdictMalicious, 0.9))
	require.NoError(t, err)

	assert.Equal(t, []string{"msg-1"}, incident.Members)
	assert.Equal(t, core.SeverityCritical, incident.Severity)
}

func TestSubmitDetectionCorrelatesByAttachmentHash(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	emailA := detectionEmail("msg-1", "a@one.example")
	emailA.Attachments = []core.Attachment{{Filename: "payload.exe", Hash: "deadbeef"}}
	emailB := detectionEmail("msg-2", "b@two.example")
	emailB.Attachments = []core.Attachment{{Filename: "renamed.exe", Hash: "deadbeef"}}

	first, err := engine.SubmitDetection(ctx, emailA,
		detectionResult("msg-1", core.VerdictSuspicious, 0.5, "executable_attachment"))
	require.NoError(t, err)
	assert.Equal(t, core.IncidentMalware, first.Type)

	second, err := engine.SubmitDetection(ctx, emailB,
		detectionResult("msg-2", core.VerdictSuspicious, 0.5, "executable_attachment"))
	require.NoError(t, err)

	assert.Equal(t, first.IncidentID, second.IncidentID)
}

func TestSubmitDetectionHonorsConfidenceFloor(t *testing.T) {
	backend := store.NewMemoryStore()
	engine := NewEngine(store.IncidentView{B: backend}, config.IncidentConfig{
		MinCorrelationConfidence: 0.95,
		LockStripes:              16,
	}, zap.NewNop())

	// sender_domain (0.9) and indicator (0.6) keys fall below the floor
	incident, err := engine.SubmitDetection(context.Background(),
		detectionEmail("msg-1", "mallory@shady.example"),
		detectionResult("msg-1", core.VerdictSuspicious, 0.5, "credential_phishing_language"))

	require.NoError(t, err)
	assert.Nil(t, incident)
}

func TestResolvedIncidentStopsAttractingDetections(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.SubmitDetection(ctx,
		detectionEmail("msg-1", "mallory@shady.example"),
		detectionResult("msg-1", core.VerdictSuspicious, 0.5))
	require.NoError(t, err)

	_, err = engine.Resolve(ctx, first.IncidentID, core.IncidentResolved, "analyst", "remediated")
	require.NoError(t, err)

	second, err := engine.SubmitDetection(ctx,
		detectionEmail("msg-2", "mallory@shady.example"),
		detectionResult("msg-2", core.VerdictSuspicious, 0.5))
	require.NoError(t, err)

	assert.NotEqual(t, first.IncidentID, second.IncidentID)
}

func TestAssign(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	incident, err := engine.SubmitDetection(ctx,
		detectionEmail("msg-1", "mallory@shady.example"),
		detectionResult("msg-1", core.VerdictSuspicious, 0.5))
	require.NoError(t, err)

	assigned, err := engine.Assign(ctx, incident.IncidentID, "analyst@corp.example")
	require.NoError(t, err)
	assert.Equal(t, core.IncidentInvestigating, assigned.Status)
	assert.Equal(t, "analyst@corp.example", assigned.AssignedTo)

	_, err = engine.Assign(ctx, incident.IncidentID, "")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = engine.Resolve(ctx, incident.IncidentID, core.IncidentResolved, "analyst", "done")
	require.NoError(t, err)
	_, err = engine.Assign(ctx, incident.IncidentID, "other@corp.example")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestResolveIsIdempotent(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	incident, err := engine.SubmitDetection(ctx,
		detectionEmail("msg-1", "mallory@shady.example"),
		detectionResult("msg-1", core.VerdictSuspicious, 0.5))
	require.NoError(t, err)

	first, err := engine.Resolve(ctx, incident.IncidentID, core.IncidentFalsePositive, "analyst", "benign newsletter")
	require.NoError(t, err)
	assert.Equal(t, core.IncidentFalsePositive, first.Status)
	require.NotNil(t, first.ResolvedAt)

	second, err := engine.Resolve(ctx, incident.IncidentID, core.IncidentResolved, "other", "changed my mind")
	require.NoError(t, err)

	// The recorded resolution stands
	assert.Equal(t, core.IncidentFalsePositive, second.Status)
	assert.Equal(t, "analyst", second.ResolvedBy)
	assert.Equal(t, first.ResolvedAt.Unix(), second.ResolvedAt.Unix())
}

func TestResolveRejectsNonResolutionStatus(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Resolve(context.Background(), uuid.New(), core.IncidentOpen, "analyst", "")
	assert.ErrorIs(t, err, core.ErrValidation)
}

// gatedStore stalls the first Update so a competing call can be interleaved
// against an in-flight attach
type gatedStore struct {
	core.IncidentStore
	updating chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (g *gatedStore) Update(ctx context.Context, incident *core.Incident) error {
	g.once.Do(func() {
		close(g.updating)
		<-g.release
	})
	return g.IncidentStore.Update(ctx, incident)
}

func TestResolveSerializesWithConcurrentAttach(t *testing.T) {
	gated := &gatedStore{
		IncidentStore: store.IncidentView{B: store.NewMemoryStore()},
		updating:      make(chan struct{}),
		release:       make(chan struct{}),
	}
	engine := NewEngine(gated, config.IncidentConfig{
		MinCorrelationConfidence: 0.5,
		LockStripes:              16,
	}, zap.NewNop())
	ctx := context.Background()

	first, err := engine.SubmitDetection(ctx,
		detectionEmail("msg-1", "mallory@shady.example"),
		detectionResult("msg-1", core.VerdictSuspicious, 0.5))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := engine.SubmitDetection(ctx,
			detectionEmail("msg-2", "mallory@shady.example"),
			detectionResult("msg-2", core.VerdictSuspicious, 0.5))
		assert.NoError(t, err)
	}()

	// The attach is now stalled inside its store write. Resolve must wait
	// for it rather than read the pre-attach record and lose the race.
	<-gated.updating
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := engine.Resolve(ctx, first.IncidentID, core.IncidentResolved, "analyst", "remediated")
		assert.NoError(t, err)
	}()

	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	wg.Wait()

	final, err := engine.Get(ctx, first.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentResolved, final.Status)
	assert.Equal(t, "analyst", final.ResolvedBy)
	require.NotNil(t, final.ResolvedAt)
	assert.ElementsMatch(t, []string{"msg-1", "msg-2"}, final.Members)
	assert.Equal(t, "resolution", final.Timeline[len(final.Timeline)-1].EventType)
}

func TestConcurrentDetectionsYieldOneIncident(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.SubmitDetection(ctx,
				detectionEmail(fmt.Sprintf("msg-%d", i), "mallory@shady.example"),
				detectionResult(fmt.Sprintf("msg-%d", i), core.VerdictSuspicious, 0.5))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	incidents, err := engine.List(ctx, core.IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Len(t, incidents[0].Members, 16)
}

func TestInferType(t *testing.T) {
	tests := []struct {
		name       string
		indicators []string
		want       core.IncidentType
	}{
		{"phishing", []string{"credential_phishing_language", "lookalike_domain:paypal.com"}, core.IncidentPhishing},
		{"malware", []string{"executable_attachment", "double_extension_attachment"}, core.IncidentMalware},
		{"bec", []string{"urgency_financial_language", "reply_to_mismatch"}, core.IncidentBEC},
		{"no dominant family", []string{"off_hours_send"}, core.IncidentSuspicious},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferType(tt.indicators))
		})
	}
}
