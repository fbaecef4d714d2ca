package detectors

import (
	"context"
	"fmt"

	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/reputation"
)

// ReputationDetector maps the sender domain's aggregated reputation onto the
// detector contract. Low reputation means high threat.
type ReputationDetector struct {
	service *reputation.Service
}

// NewReputationDetector creates a domain-reputation detector
func NewReputationDetector(service *reputation.Service) *ReputationDetector {
	return &ReputationDetector{service: service}
}

// Name identifies the detector in results and policy weights
func (d *ReputationDetector) Name() string {
	return "domain_reputation"
}

// Score looks up the sender domain's reputation
func (d *ReputationDetector) Score(ctx context.Context, bundle *core.FeatureBundle) (*core.DetectorResult, error) {
	if bundle.SenderDomain == "" {
		return &core.DetectorResult{
			Score:      0.5,
			Confidence: 0.3,
			Indicators: []string{"missing_sender_domain"},
		}, nil
	}

	rep, err := d.service.Score(ctx, bundle.SenderDomain, false)
	if err != nil {
		return nil, fmt.Errorf("reputation lookup for %q: %w", bundle.SenderDomain, err)
	}

	indicators := make([]string, 0, 4)
	for _, source := range rep.SourceScores {
		indicators = append(indicators, source.ThreatIndicators...)
	}
	if rep.RiskLevel == core.RiskHigh || rep.RiskLevel == core.RiskCritical {
		indicators = append(indicators, fmt.Sprintf("domain_risk_%s", rep.RiskLevel))
	}

	return &core.DetectorResult{
		// Reputation is inverted: score 0.1 domain → 0.9 threat contribution
		Score:      1.0 - rep.ReputationScore,
		Confidence: rep.Confidence,
		Indicators: indicators,
	}, nil
}
