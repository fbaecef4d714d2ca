package detectors

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/nathan/mailsentry/internal/core"
	"go.uber.org/zap"
)

// BehavioralDetector compares a message against the sender's historical
// baseline: brand-new senders, recipients the sender has never written to,
// and sends far outside the sender's usual hours. Every observation is
// recorded back into the baseline after scoring.
type BehavioralDetector struct {
	baselines core.BaselineStore
	logger    *zap.Logger
}

// NewBehavioralDetector creates a behavioral anomaly detector
func NewBehavioralDetector(baselines core.BaselineStore, logger *zap.Logger) *BehavioralDetector {
	return &BehavioralDetector{baselines: baselines, logger: logger}
}

// Name identifies the detector in results and policy weights
func (d *BehavioralDetector) Name() string {
	return "behavioral"
}

// Score compares the message to the sender's baseline
func (d *BehavioralDetector) Score(ctx context.Context, bundle *core.FeatureBundle) (*core.DetectorResult, error) {
	baseline, err := d.baselines.Get(ctx, bundle.Sender)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("baseline lookup for %q: %w", bundle.Sender, err)
	}

	result := d.evaluate(baseline, bundle)

	// Record the observation regardless of outcome so the baseline converges
	if err := d.baselines.Record(ctx, bundle.Sender, bundle.Recipient, bundle.ReceivedAt); err != nil {
		d.logger.Warn("Failed to record sender observation",
			zap.String("sender", bundle.Sender), zap.Error(err))
	}

	return result, nil
}

func (d *BehavioralDetector) evaluate(baseline *core.SenderBaseline, bundle *core.FeatureBundle) *core.DetectorResult {
	if baseline == nil || baseline.MessageCount == 0 {
		// First contact carries mild risk but low certainty
		return &core.DetectorResult{
			Score:      0.4,
			Confidence: 0.35,
			Indicators: []string{"first_seen_sender"},
		}
	}

	var indicators []string
	score := 0.0

	if !baseline.KnowsRecipient(bundle.Recipient) {
		indicators = append(indicators, "unusual_recipient")
		score = math.Max(score, 0.35)
	}

	// Off-hours check only once the histogram has enough mass to mean
	// something
	if baseline.MessageCount >= 10 {
		hour := bundle.ReceivedAt.Hour()
		share := float64(baseline.HourHistogram[hour]) / float64(baseline.MessageCount)
		if share < 0.02 {
			indicators = append(indicators, "off_hours_send")
			score = math.Max(score, 0.45)
		}
	}

	// Confidence grows with history depth, capped well below certainty
	confidence := math.Min(0.3+float64(baseline.MessageCount)*0.02, 0.85)
	if len(indicators) == 0 {
		return &core.DetectorResult{
			Score:      0.05,
			Confidence: confidence,
			Indicators: []string{},
		}
	}

	return &core.DetectorResult{
		Score:      score,
		Confidence: confidence,
		Indicators: indicators,
	}
}
