package ensemble

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		SandboxThreshold:    0.3,
		QuarantineThreshold: 0.6,
		BlockThreshold:      0.85,
		DetectorWeights: map[string]float64{
			"content":           0.4,
			"domain_reputation": 0.35,
			"behavioral":        0.25,
		},
		SandboxWeight:   0.5,
		DetectorTimeout: 5 * time.Second,
	}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	resolver, err := NewResolver(testPolicy(), zap.NewNop())
	require.NoError(t, err)
	return resolver
}

func uniform(score, confidence float64) map[string]core.DetectorResult {
	return map[string]core.DetectorResult{
		"content":           {Score: score, Confidence: confidence, Indicators: []string{}},
		"domain_reputation": {Score: score, Confidence: confidence, Indicators: []string{}},
		"behavioral":        {Score: score, Confidence: confidence, Indicators: []string{}},
	}
}

func TestNewResolverRejectsInvalidPolicy(t *testing.T) {
	policy := testPolicy()
	policy.QuarantineThreshold = 0.9

	_, err := NewResolver(policy, zap.NewNop())
	assert.Error(t, err)
}

func TestResolveThresholdBands(t *testing.T) {
	resolver := newTestResolver(t)

	tests := []struct {
		name           string
		score          float64
		hasDetonatable bool
		wantVerdict    core.Verdict
		wantAction     core.Action
	}{
		{"below sandbox threshold", 0.1, true, core.VerdictBenign, core.ActionAllow},
		{"sandbox band with detonatable content", 0.45, true, core.VerdictSuspicious, core.ActionSandbox},
		{"sandbox band without detonatable content", 0.45, false, core.VerdictSuspicious, core.ActionAllow},
		{"quarantine band", 0.7, true, core.VerdictSuspicious, core.ActionQuarantine},
		{"block band", 0.95, true, core.VerdictMalicious, core.ActionBlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := resolver.Resolve("email-1", uniform(tt.score, 1.0), tt.hasDetonatable, time.Now())

			assert.InDelta(t, tt.score, result.ThreatScore, 0.001)
			assert.Equal(t, tt.wantVerdict, result.Verdict)
			assert.Equal(t, tt.wantAction, result.Action)
		})
	}
}

func TestResolveSkippedSandboxIsRecorded(t *testing.T) {
	resolver := newTestResolver(t)

	result := resolver.Resolve("email-1", uniform(0.45, 1.0), false, time.Now())

	assert.Contains(t, result.Indicators, "no_detonatable_content")
}

func TestResolveRenormalizesDegradedDetector(t *testing.T) {
	resolver := newTestResolver(t)

	results := map[string]core.DetectorResult{
		"content":           {Score: 0, Confidence: 0, Indicators: []string{"detector_unavailable"}},
		"domain_reputation": {Score: 0.8, Confidence: 1.0, Indicators: []string{}},
		"behavioral":        {Score: 0.8, Confidence: 1.0, Indicators: []string{}},
	}

	result := resolver.Resolve("email-1", results, true, time.Now())

	// The degraded detector's weight is redistributed, not scored as zero
	assert.InDelta(t, 0.8, result.ThreatScore, 0.001)
	assert.Equal(t, core.VerdictSuspicious, result.Verdict)
	assert.Contains(t, result.Indicators, "detector_unavailable")
}

func TestResolveAllDetectorsDegraded(t *testing.T) {
	resolver := newTestResolver(t)

	result := resolver.Resolve("email-1", uniform(0.9, 0), true, time.Now())

	assert.Zero(t, result.ThreatScore)
	assert.Zero(t, result.Confidence)
	assert.Equal(t, core.VerdictBenign, result.Verdict)
}

func TestResolveIgnoresUnweightedDetector(t *testing.T) {
	resolver := newTestResolver(t)

	results := uniform(0.2, 1.0)
	results["experimental"] = core.DetectorResult{Score: 1.0, Confidence: 1.0, Indicators: []string{}}

	result := resolver.Resolve("email-1", results, true, time.Now())

	assert.InDelta(t, 0.2, result.ThreatScore, 0.001)
}

func TestRescoreFoldsSandboxIn(t *testing.T) {
	resolver := newTestResolver(t)

	previous := resolver.Resolve("email-1", uniform(0.35, 1.0), true, time.Now())
	require.Equal(t, core.ActionSandbox, previous.Action)

	now := time.Now()
	sandbox := &core.SandboxAnalysis{
		AnalysisID:  uuid.New(),
		Status:      core.SandboxCompleted,
		ThreatScore: 0.9,
		Verdict:     core.VerdictMalicious,
		CompletedAt: &now,
	}

	rescored := resolver.Rescore(previous, sandbox, true)

	// 0.5 * 0.35 from detectors + 0.5 * 0.9 from the sandbox
	assert.InDelta(t, 0.625, rescored.ThreatScore, 0.001)
	assert.Equal(t, core.VerdictSuspicious, rescored.Verdict)
	assert.Equal(t, core.ActionQuarantine, rescored.Action)
	require.NotNil(t, rescored.SupersedesID)
	assert.Equal(t, previous.ID, *rescored.SupersedesID)
	assert.Contains(t, rescored.DetectorResults, "sandbox")
}

func TestRescoreNeverDowngrades(t *testing.T) {
	resolver := newTestResolver(t)

	previous := resolver.Resolve("email-1", uniform(0.7, 1.0), true, time.Now())
	require.Equal(t, core.ActionQuarantine, previous.Action)

	now := time.Now()
	sandbox := &core.SandboxAnalysis{
		AnalysisID:  uuid.New(),
		Status:      core.SandboxCompleted,
		ThreatScore: 0.0,
		Verdict:     core.VerdictBenign,
		CompletedAt: &now,
	}

	rescored := resolver.Rescore(previous, sandbox, true)

	assert.Equal(t, core.ActionQuarantine, rescored.Action)
	assert.Equal(t, core.VerdictSuspicious, rescored.Verdict)
}

func TestRescoreFailedSandboxDegrades(t *testing.T) {
	resolver := newTestResolver(t)

	previous := resolver.Resolve("email-1", uniform(0.35, 1.0), true, time.Now())

	sandbox := &core.SandboxAnalysis{
		AnalysisID:    uuid.New(),
		Status:        core.SandboxFailed,
		FailureReason: "detonation failed after 3 attempts",
	}

	rescored := resolver.Rescore(previous, sandbox, true)

	// Detector-only score stands; the gap is surfaced as an indicator
	assert.InDelta(t, 0.35, rescored.ThreatScore, 0.001)
	assert.Contains(t, rescored.Indicators, "sandbox_unavailable")
	assert.Equal(t, core.VerdictSuspicious, rescored.Verdict)
}

func TestRescoreCarriesEvasionIndicators(t *testing.T) {
	resolver := newTestResolver(t)

	previous := resolver.Resolve("email-1", uniform(0.35, 1.0), true, time.Now())

	now := time.Now()
	sandbox := &core.SandboxAnalysis{
		AnalysisID:      uuid.New(),
		Status:          core.SandboxCompleted,
		ThreatScore:     0.7,
		EvasionDetected: true,
		EvasionIndicators: []core.EvasionIndicator{
			{Category: core.EvasionTiming, Indicator: "execution_stall"},
		},
		CompletedAt: &now,
	}

	rescored := resolver.Rescore(previous, sandbox, true)

	assert.Contains(t, rescored.Indicators, "sandbox_evasion_detected")
	assert.Contains(t, rescored.Indicators, "timing:execution_stall")
}
