package di

import (
	"fmt"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/nathan/mailsentry/internal/adapters/detonation"
	"github.com/nathan/mailsentry/internal/adapters/httpapi"
	"github.com/nathan/mailsentry/internal/adapters/store"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/detectors"
	"github.com/nathan/mailsentry/internal/ensemble"
	"github.com/nathan/mailsentry/internal/factory"
	"github.com/nathan/mailsentry/internal/features"
	"github.com/nathan/mailsentry/internal/incident"
	"github.com/nathan/mailsentry/internal/logging"
	"github.com/nathan/mailsentry/internal/pipeline"
	"github.com/nathan/mailsentry/internal/quarantine"
	"github.com/nathan/mailsentry/internal/reputation"
	"github.com/nathan/mailsentry/internal/sandbox"
	"github.com/nathan/mailsentry/internal/utils"
)

// BuildContainer creates and configures a dependency injection container
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewCacheFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewIntentFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewDetectorFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewTextProcessorFactory); err != nil {
		return nil, err
	}

	// Register text processor
	if err := container.Provide(func(f *factory.TextProcessorFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return nil, err
	}

	// Register the durable store backend and its port views
	if err := container.Provide(func(f *factory.StoreFactory) (store.Backend, error) {
		return f.CreateBackend()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(b store.Backend) core.QuarantineStore { return b }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(b store.Backend) core.IncidentStore { return store.IncidentView{B: b} }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(b store.Backend) core.BaselineStore { return store.BaselineView{B: b} }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(b store.Backend) core.SenderListStore { return b }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(b store.Backend) core.AnalysisStore { return store.AnalysisView{B: b} }); err != nil {
		return nil, err
	}

	// Register reputation cache and service
	if err := container.Provide(func(f *factory.CacheFactory) (core.ReputationCache, error) {
		return f.CreateReputationCache()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(
		f *factory.DetectorFactory,
		repCache core.ReputationCache,
		senderLists core.SenderListStore,
	) *reputation.Service {
		return f.CreateReputationService(repCache, senderLists)
	}); err != nil {
		return nil, err
	}

	// Register intent classifier
	if err := container.Provide(func(f *factory.IntentFactory) (core.IntentClassifier, error) {
		return f.CreateIntentClassifier()
	}); err != nil {
		return nil, err
	}

	// Register detector runner and ensemble resolver
	if err := container.Provide(func(
		f *factory.DetectorFactory,
		reputationSvc *reputation.Service,
		baselines core.BaselineStore,
		classifier core.IntentClassifier,
		cfg *config.Config,
		logger *zap.Logger,
	) *detectors.Runner {
		set := f.CreateDetectors(reputationSvc, baselines, classifier)
		return detectors.NewRunner(set, cfg.GetPolicy().DetectorTimeout, logger)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (*ensemble.Resolver, error) {
		return ensemble.NewResolver(cfg.GetPolicy(), logger)
	}); err != nil {
		return nil, err
	}

	// Register feature extractor
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *features.Extractor {
		return features.NewExtractor(cfg.GetStringSlice("features.known_brands"), logger)
	}); err != nil {
		return nil, err
	}

	// Register sandbox executor and orchestrator
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (core.SandboxExecutor, error) {
		switch cfg.GetString("sandbox.executor") {
		case "simulated":
			latency, err := cfg.GetDuration("sandbox.simulated_latency")
			if err != nil {
				latency = 2 * time.Second
			}
			return detonation.NewSimulatedExecutor(latency, logger), nil
		default:
			return nil, fmt.Errorf("unsupported sandbox executor: %s", cfg.GetString("sandbox.executor"))
		}
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(
		executor core.SandboxExecutor,
		cfg *config.Config,
		logger *zap.Logger,
	) *sandbox.Orchestrator {
		return sandbox.NewOrchestrator(executor, cfg.GetSandbox(), logger)
	}); err != nil {
		return nil, err
	}

	// Register quarantine manager and incident engine
	if err := container.Provide(func(
		quarantineStore core.QuarantineStore,
		senderLists core.SenderListStore,
		cfg *config.Config,
		logger *zap.Logger,
	) *quarantine.Manager {
		return quarantine.NewManager(quarantineStore, senderLists, cfg.GetQuarantine(), logger)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(
		incidents core.IncidentStore,
		cfg *config.Config,
		logger *zap.Logger,
	) *incident.Engine {
		return incident.NewEngine(incidents, cfg.GetIncident(), logger)
	}); err != nil {
		return nil, err
	}

	// Register the analysis pipeline, wired to sandbox completions
	if err := container.Provide(func(
		extractor *features.Extractor,
		runner *detectors.Runner,
		resolver *ensemble.Resolver,
		senderLists core.SenderListStore,
		analyses core.AnalysisStore,
		orchestrator *sandbox.Orchestrator,
		quarantineMgr *quarantine.Manager,
		incidentEngine *incident.Engine,
		logger *zap.Logger,
	) *pipeline.Service {
		svc := pipeline.NewService(
			extractor, runner, resolver,
			senderLists, analyses,
			orchestrator, quarantineMgr, incidentEngine,
			logger,
		)
		orchestrator.OnComplete(svc.HandleSandboxCompletion)
		return svc
	}); err != nil {
		return nil, err
	}

	// Register HTTP API server
	if err := container.Provide(func(
		cfg *config.Config,
		pipelineSvc *pipeline.Service,
		orchestrator *sandbox.Orchestrator,
		quarantineMgr *quarantine.Manager,
		incidentEngine *incident.Engine,
		reputationSvc *reputation.Service,
		logger *zap.Logger,
	) (*httpapi.Server, error) {
		return httpapi.New(cfg.GetServer(), pipelineSvc, orchestrator, quarantineMgr, incidentEngine, reputationSvc, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}
