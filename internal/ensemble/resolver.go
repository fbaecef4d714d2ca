package ensemble

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"go.uber.org/zap"
)

// Resolver combines detector outputs into one threat score, confidence and
// verdict using the configured policy thresholds.
type Resolver struct {
	policy config.PolicyConfig
	logger *zap.Logger
}

// NewResolver creates an ensemble resolver with a validated policy
func NewResolver(policy config.PolicyConfig, logger *zap.Logger) (*Resolver, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{policy: policy, logger: logger}, nil
}

// Policy returns the active scoring policy
func (r *Resolver) Policy() config.PolicyConfig {
	return r.policy
}

// Resolve combines detector results into a ThreatAnalysisResult. Degraded
// detectors (confidence zero) are excluded and the remaining weights
// renormalized, so one missing signal shifts but never blocks the verdict.
func (r *Resolver) Resolve(
	emailID string,
	detectorResults map[string]core.DetectorResult,
	hasDetonatable bool,
	startedAt time.Time,
) *core.ThreatAnalysisResult {
	score, confidence := r.combine(detectorResults, nil)
	indicators := collectIndicators(detectorResults)

	verdict, action := r.decide(score, hasDetonatable, &indicators)

	return &core.ThreatAnalysisResult{
		ID:              uuid.New(),
		EmailID:         emailID,
		DetectorResults: detectorResults,
		ThreatScore:     score,
		Confidence:      confidence,
		Verdict:         verdict,
		Action:          action,
		Indicators:      indicators,
		ProcessingTime:  time.Since(startedAt),
		AnalyzedAt:      time.Now(),
	}
}

// Rescore folds a completed sandbox analysis back in as an additional
// weighted contribution and re-runs the threshold decision. The outcome can
// escalate but never downgrade the previous verdict or action.
func (r *Resolver) Rescore(
	previous *core.ThreatAnalysisResult,
	sandbox *core.SandboxAnalysis,
	hasDetonatable bool,
) *core.ThreatAnalysisResult {
	startedAt := time.Now()

	sandboxResult := &core.DetectorResult{
		Score:      sandbox.ThreatScore,
		Confidence: 1.0,
		Indicators: []string{},
	}
	if sandbox.EvasionDetected {
		sandboxResult.Indicators = append(sandboxResult.Indicators, "sandbox_evasion_detected")
		for _, ind := range sandbox.EvasionIndicators {
			sandboxResult.Indicators = append(sandboxResult.Indicators, string(ind.Category)+":"+ind.Indicator)
		}
	}
	if sandbox.Status == core.SandboxFailed {
		// Detonation never finished; surface the gap instead of blocking
		sandboxResult = &core.DetectorResult{
			Score:      0,
			Confidence: 0,
			Indicators: []string{"sandbox_unavailable"},
		}
	}

	merged := make(map[string]core.DetectorResult, len(previous.DetectorResults)+1)
	for name, res := range previous.DetectorResults {
		merged[name] = res
	}
	merged["sandbox"] = *sandboxResult

	score, confidence := r.combine(previous.DetectorResults, sandboxResult)
	indicators := collectIndicators(merged)

	verdict, action := r.decide(score, hasDetonatable, &indicators)

	// Escalation only
	if previous.Action.Stricter(action) {
		action = previous.Action
	}
	if previous.Verdict == core.VerdictMalicious {
		verdict = core.VerdictMalicious
	} else if previous.Verdict == core.VerdictSuspicious && verdict == core.VerdictBenign {
		verdict = core.VerdictSuspicious
	}
	if score < previous.ThreatScore && previous.Action == action {
		r.logger.Debug("Sandbox re-score below previous score, keeping stricter action",
			zap.String("email_id", previous.EmailID),
			zap.Float64("previous", previous.ThreatScore),
			zap.Float64("rescored", score))
	}

	prevID := previous.ID
	return &core.ThreatAnalysisResult{
		ID:              uuid.New(),
		EmailID:         previous.EmailID,
		DetectorResults: merged,
		ThreatScore:     score,
		Confidence:      confidence,
		Verdict:         verdict,
		Action:          action,
		Indicators:      indicators,
		SupersedesID:    &prevID,
		ProcessingTime:  time.Since(startedAt),
		AnalyzedAt:      time.Now(),
	}
}

// combine computes the weighted ensemble score and confidence. sandboxResult
// is optional; when present it takes the configured sandbox weight and the
// detector weights share the remainder.
func (r *Resolver) combine(
	detectorResults map[string]core.DetectorResult,
	sandboxResult *core.DetectorResult,
) (float64, float64) {
	detectorShare := 1.0
	if sandboxResult != nil && sandboxResult.Confidence > 0 {
		detectorShare = 1.0 - r.policy.SandboxWeight
	}

	var weightSum, scoreSum, confidenceSum float64
	for name, result := range detectorResults {
		if result.Confidence == 0 {
			// Degraded detector: weight redistributed over the others
			continue
		}
		weight, ok := r.policy.DetectorWeights[name]
		if !ok {
			r.logger.Warn("No policy weight for detector, skipping", zap.String("detector", name))
			continue
		}
		weight *= detectorShare
		weightSum += weight
		scoreSum += result.Score * weight
		confidenceSum += result.Confidence * weight
	}

	if sandboxResult != nil && sandboxResult.Confidence > 0 {
		weight := r.policy.SandboxWeight
		weightSum += weight
		scoreSum += sandboxResult.Score * weight
		confidenceSum += sandboxResult.Confidence * weight
	}

	if weightSum == 0 {
		// Every signal degraded; neutral score with zero confidence
		return 0, 0
	}

	return scoreSum / weightSum, confidenceSum / weightSum
}

// decide maps an ensemble score onto verdict and action via the three
// ordered policy thresholds
func (r *Resolver) decide(score float64, hasDetonatable bool, indicators *[]string) (core.Verdict, core.Action) {
	switch {
	case score < r.policy.SandboxThreshold:
		return core.VerdictBenign, core.ActionAllow
	case score < r.policy.QuarantineThreshold:
		if !hasDetonatable {
			// Nothing to detonate; record why the sandbox step was skipped
			*indicators = append(*indicators, "no_detonatable_content")
			return core.VerdictSuspicious, core.ActionAllow
		}
		return core.VerdictSuspicious, core.ActionSandbox
	case score < r.policy.BlockThreshold:
		return core.VerdictSuspicious, core.ActionQuarantine
	default:
		return core.VerdictMalicious, core.ActionBlock
	}
}

// collectIndicators flattens and deduplicates detector indicators into a
// stable ordering
func collectIndicators(results map[string]core.DetectorResult) []string {
	seen := make(map[string]bool)
	var out []string
	for _, result := range results {
		for _, ind := range result.Indicators {
			if !seen[ind] {
				seen[ind] = true
				out = append(out, ind)
			}
		}
	}
	sort.Strings(out)
	return out
}
