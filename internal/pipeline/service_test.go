package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/nathan/mailsentry/internal/adapters/detonation"
	"github.com/nathan/mailsentry/internal/adapters/store"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/detectors"
	"github.com/nathan/mailsentry/internal/ensemble"
	"github.com/nathan/mailsentry/internal/features"
	"github.com/nathan/mailsentry/internal/incident"
	"github.com/nathan/mailsentry/internal/quarantine"
	"github.com/nathan/mailsentry/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fixedDetector stands in for the whole detector set so pipeline tests can
// steer the ensemble score directly
type fixedDetector struct {
	score      float64
	indicators []string
}

func (d *fixedDetector) Name() string { return "content" }

func (d *fixedDetector) Score(ctx context.Context, bundle *core.FeatureBundle) (*core.DetectorResult, error) {
	return &core.DetectorResult{Score: d.score, Confidence: 1.0, Indicators: d.indicators}, nil
}

type pipelineFixture struct {
	svc       *Service
	backend   *store.MemoryStore
	quarMgr   *quarantine.Manager
	incidents *incident.Engine
	orch      *sandbox.Orchestrator
}

func newFixture(t *testing.T, detector core.Detector) *pipelineFixture {
	t.Helper()
	logger := zap.NewNop()
	backend := store.NewMemoryStore()

	policy := config.PolicyConfig{
		SandboxThreshold:    0.3,
		QuarantineThreshold: 0.6,
		BlockThreshold:      0.85,
		DetectorWeights:     map[string]float64{"content": 1.0},
		SandboxWeight:       0.5,
		DetectorTimeout:     time.Second,
	}
	resolver, err := ensemble.NewResolver(policy, logger)
	require.NoError(t, err)

	executor := detonation.NewSimulatedExecutor(time.Millisecond, logger)
	orch := sandbox.NewOrchestrator(executor, config.SandboxConfig{
		MaxConcurrentScans:  2,
		QueueSize:           8,
		ExecutionBudget:     time.Second,
		MaxRetries:          0,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		DefaultEnvironment:  "windows",
		ExpectedRuntime:     30 * time.Second,
	}, logger)
	t.Cleanup(orch.Shutdown)

	quarMgr := quarantine.NewManager(backend, backend, config.QuarantineConfig{BulkParallelism: 2}, logger)
	incidents := incident.NewEngine(store.IncidentView{B: backend}, config.IncidentConfig{
		MinCorrelationConfidence: 0.5,
		LockStripes:              16,
	}, logger)

	svc := NewService(
		features.NewExtractor(nil, logger),
		detectors.NewRunner([]core.Detector{detector}, time.Second, logger),
		resolver,
		backend,
		store.AnalysisView{B: backend},
		orch,
		quarMgr,
		incidents,
		logger,
	)
	orch.OnComplete(svc.HandleSandboxCompletion)

	return &pipelineFixture{svc: svc, backend: backend, quarMgr: quarMgr, incidents: incidents, orch: orch}
}

func pipelineEmail(id string) *core.EmailRecord {
	return &core.EmailRecord{
		MessageID:  id,
		Subject:    "hello",
		Sender:     "mallory@shady.example",
		Recipient:  "bob@corp.example",
		Body:       "hello",
		ReceivedAt: time.Now(),
	}
}

func TestAnalyzeEmailBenign(t *testing.T) {
	fx := newFixture(t, &fixedDetector{score: 0.1})

	result, err := fx.svc.AnalyzeEmail(context.Background(), pipelineEmail("msg-1"))
	require.NoError(t, err)

	assert.Equal(t, core.VerdictBenign, result.Verdict)
	assert.Equal(t, core.ActionAllow, result.Action)

	latest, err := fx.svc.GetAnalysis(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, result.ID, latest.ID)

	_, err = fx.backend.GetByEmail(context.Background(), "msg-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAnalyzeEmailQuarantines(t *testing.T) {
	fx := newFixture(t, &fixedDetector{score: 0.7, indicators: []string{"credential_phishing_language"}})

	result, err := fx.svc.AnalyzeEmail(context.Background(), pipelineEmail("msg-1"))
	require.NoError(t, err)

	assert.Equal(t, core.VerdictSuspicious, result.Verdict)
	assert.Equal(t, core.ActionQuarantine, result.Action)

	record, err := fx.backend.GetByEmail(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, core.ReasonSuspicious, record.Reason)

	incidents, err := fx.incidents.List(context.Background(), core.IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, core.IncidentPhishing, incidents[0].Type)
}

func TestAnalyzeEmailBlocksMalicious(t *testing.T) {
	fx := newFixture(t, &fixedDetector{score: 0.95, indicators: []string{"executable_attachment"}})

	result, err := fx.svc.AnalyzeEmail(context.Background(), pipelineEmail("msg-1"))
	require.NoError(t, err)

	assert.Equal(t, core.VerdictMalicious, result.Verdict)
	assert.Equal(t, core.ActionBlock, result.Action)

	record, err := fx.backend.GetByEmail(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, core.ReasonMalicious, record.Reason)
}

func TestAnalyzeEmailDenylistShortCircuit(t *testing.T) {
	fx := newFixture(t, &fixedDetector{score: 0.0})
	require.NoError(t, fx.backend.Deny(context.Background(), "shady.example"))

	result, err := fx.svc.AnalyzeEmail(context.Background(), pipelineEmail("msg-1"))
	require.NoError(t, err)

	assert.Equal(t, core.VerdictMalicious, result.Verdict)
	assert.Equal(t, core.ActionQuarantine, result.Action)
	assert.Equal(t, 1.0, result.ThreatScore)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Contains(t, result.Indicators, "operator_denylisted")
	assert.Empty(t, result.DetectorResults)

	record, err := fx.backend.GetByEmail(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, core.ReasonPolicyViolation, record.Reason)

	// Denylisted mail still feeds the correlation engine so repeat campaign
	// mail from a blacklisted domain forms an incident
	incidents, err := fx.incidents.List(context.Background(), core.IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Contains(t, incidents[0].Members, "msg-1")
}

func TestAnalyzeEmailAllowlistShortCircuit(t *testing.T) {
	// The detector would block this email; the operator allowlist wins
	fx := newFixture(t, &fixedDetector{score: 0.95})
	require.NoError(t, fx.backend.Allow(context.Background(), "shady.example"))

	result, err := fx.svc.AnalyzeEmail(context.Background(), pipelineEmail("msg-1"))
	require.NoError(t, err)

	assert.Equal(t, core.VerdictBenign, result.Verdict)
	assert.Equal(t, core.ActionAllow, result.Action)
	assert.Zero(t, result.ThreatScore)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Contains(t, result.Indicators, "operator_allowlisted")

	_, err = fx.backend.GetByEmail(context.Background(), "msg-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSandboxCompletionSupersedesAnalysis(t *testing.T) {
	fx := newFixture(t, &fixedDetector{score: 0.45, indicators: []string{"suspicious_archive"}})

	email := pipelineEmail("msg-1")
	email.Attachments = []core.Attachment{{
		Filename:    "malware-payload.exe",
		ContentType: "application/octet-stream",
		Hash:        "deadbeef",
	}}

	result, err := fx.svc.AnalyzeEmail(context.Background(), email)
	require.NoError(t, err)
	require.Equal(t, core.ActionSandbox, result.Action)

	// The simulated executor scores the payload 0.92; folded in at sandbox
	// weight 0.5 the ensemble lands in the quarantine band
	require.Eventually(t, func() bool {
		latest, err := fx.svc.GetAnalysis(context.Background(), "msg-1")
		return err == nil && latest.SupersedesID != nil
	}, 5*time.Second, 10*time.Millisecond)

	latest, err := fx.svc.GetAnalysis(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, core.ActionQuarantine, latest.Action)
	assert.InDelta(t, 0.685, latest.ThreatScore, 0.001)
	assert.Equal(t, result.ID, *latest.SupersedesID)
	assert.Contains(t, latest.DetectorResults, "sandbox")

	record, err := fx.backend.GetByEmail(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQuarantined, record.Status)
}

func TestAnalyzeEmailPropagatesValidationErrors(t *testing.T) {
	fx := newFixture(t, &fixedDetector{score: 0.1})

	_, err := fx.svc.AnalyzeEmail(context.Background(), &core.EmailRecord{MessageID: "msg-1"})
	assert.ErrorIs(t, err, core.ErrValidation)
}
