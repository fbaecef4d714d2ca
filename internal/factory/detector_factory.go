package factory

import (
	"github.com/nathan/mailsentry/internal/adapters/repsource"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/detectors"
	"github.com/nathan/mailsentry/internal/reputation"
	"go.uber.org/zap"
)

// DetectorFactory assembles the detector set and its supporting reputation
// service
type DetectorFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewDetectorFactory creates a new detector factory
func NewDetectorFactory(cfg *config.Config, logger *zap.Logger) *DetectorFactory {
	return &DetectorFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateReputationService assembles the reputation sources over the given
// cache and sender lists
func (f *DetectorFactory) CreateReputationService(
	repCache core.ReputationCache,
	senderLists core.SenderListStore,
) *reputation.Service {
	sources := []core.ReputationSource{
		repsource.NewThreatFeedSource(f.cfg.GetStringSlice("reputation.threat_feed_domains")),
		repsource.NewLexicalSource(),
		repsource.NewSenderListSource(senderLists),
	}
	return reputation.NewService(sources, repCache, f.cfg.GetReputation(), f.logger)
}

// CreateDetectors builds the detector set consumed by the runner
func (f *DetectorFactory) CreateDetectors(
	reputationSvc *reputation.Service,
	baselines core.BaselineStore,
	classifier core.IntentClassifier,
) []core.Detector {
	intentCfg := f.cfg.GetIntent()
	return []core.Detector{
		detectors.NewContentDetector(
			f.cfg.GetStringSlice("features.known_brands"),
			classifier,
			intentCfg.EscalationThreshold,
			f.logger,
		),
		detectors.NewReputationDetector(reputationSvc),
		detectors.NewBehavioralDetector(baselines, f.logger),
	}
}
