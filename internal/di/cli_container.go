package di

import (
	"flag"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/nathan/mailsentry/internal/adapters/cache"
	"github.com/nathan/mailsentry/internal/adapters/store"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/detectors"
	"github.com/nathan/mailsentry/internal/ensemble"
	"github.com/nathan/mailsentry/internal/factory"
	"github.com/nathan/mailsentry/internal/features"
	"github.com/nathan/mailsentry/internal/logging"
	"github.com/nathan/mailsentry/internal/utils"
)

// CLIFlags contains all command line flags for the one-shot scanner
type CLIFlags struct {
	// Intent classifier flags
	Provider    string
	MaxTokens   int
	Temperature float64
	TopP        float64
	MaxBodySize int

	// Bedrock flags
	BedrockRegion  string
	BedrockModelID string

	// Gemini flags
	GeminiAPIKey    string
	GeminiModelName string

	// OpenAI flags
	OpenAIAPIKey    string
	OpenAIModelName string

	// Scoring flags
	SandboxThreshold    float64
	QuarantineThreshold float64
	BlockThreshold      float64

	// Input flags
	InputFile  string
	Verbose    bool
	JSONLog    bool
	ConfigFile string
}

// ParseFlags parses command line flags and returns a CLIFlags struct
func ParseFlags() *CLIFlags {
	flags := &CLIFlags{}

	// Intent classifier flags
	flag.StringVar(&flags.Provider, "provider", "none", "Intent classifier provider (none, bedrock, gemini, openai)")
	flag.IntVar(&flags.MaxTokens, "max-tokens", 1000, "Maximum tokens for model response")
	flag.Float64Var(&flags.Temperature, "temperature", 0.1, "Temperature for model generation")
	flag.Float64Var(&flags.TopP, "top-p", 0.9, "Top-p for model generation")
	flag.IntVar(&flags.MaxBodySize, "max-body-size", 4096, "Maximum email body size to send to the model")

	// Bedrock flags
	flag.StringVar(&flags.BedrockRegion, "bedrock-region", "us-east-1", "AWS region for Bedrock")
	flag.StringVar(&flags.BedrockModelID, "bedrock-model", "anthropic.claude-v2", "Bedrock model ID")

	// Gemini flags
	flag.StringVar(&flags.GeminiAPIKey, "gemini-api-key", "", "API key for Google Gemini")
	flag.StringVar(&flags.GeminiModelName, "gemini-model", "gemini-pro", "Gemini model name")

	// OpenAI flags
	flag.StringVar(&flags.OpenAIAPIKey, "openai-api-key", "", "API key for OpenAI")
	flag.StringVar(&flags.OpenAIModelName, "openai-model", "gpt-4", "OpenAI model name")

	// Scoring flags
	flag.Float64Var(&flags.SandboxThreshold, "sandbox-threshold", 0.3, "Score above which content should be detonated")
	flag.Float64Var(&flags.QuarantineThreshold, "quarantine-threshold", 0.6, "Score above which the email is quarantined")
	flag.Float64Var(&flags.BlockThreshold, "block-threshold", 0.85, "Score above which the email is blocked")

	// Input flags
	flag.StringVar(&flags.InputFile, "file", "", "Input email file (use stdin if not specified)")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	flag.StringVar(&flags.ConfigFile, "config", "", "Path to config file (overrides command line flags)")

	flag.Parse()
	return flags
}

// BuildCLIContainer creates a dependency injection container for the
// one-shot scanner. No sandbox, quarantine or incident wiring: detectors
// score the email and the verdict is printed.
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		if flags.ConfigFile != "" {
			cfg, err := config.New()
			if err != nil {
				return nil, err
			}
			logger.Info("Loaded configuration from file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
			return cfg, nil
		}
		return createConfigFromFlags(flags), nil
	}); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewIntentFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewDetectorFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewTextProcessorFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.TextProcessorFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return nil, err
	}

	// One-shot runs keep everything in memory
	if err := container.Provide(func() store.Backend { return store.NewMemoryStore() }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(b store.Backend) core.SenderListStore { return b }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(b store.Backend) core.BaselineStore { return store.BaselineView{B: b} }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) core.ReputationCache {
		repCfg := cfg.GetReputation()
		return cache.NewMemoryCache(logger, repCfg.CleanupFrequency, repCfg.HistoryLimit)
	}); err != nil {
		return nil, err
	}

	// Register intent classifier
	if err := container.Provide(func(f *factory.IntentFactory) (core.IntentClassifier, error) {
		return f.CreateIntentClassifier()
	}); err != nil {
		return nil, err
	}

	// Register extractor, runner and resolver
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *features.Extractor {
		return features.NewExtractor(cfg.GetStringSlice("features.known_brands"), logger)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(
		f *factory.DetectorFactory,
		repCache core.ReputationCache,
		senderLists core.SenderListStore,
		baselines core.BaselineStore,
		classifier core.IntentClassifier,
		cfg *config.Config,
		logger *zap.Logger,
	) *detectors.Runner {
		reputationSvc := f.CreateReputationService(repCache, senderLists)
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

	return container, nil
}

// createConfigFromFlags creates a configuration from command line flags
func createConfigFromFlags(flags *CLIFlags) *config.Config {
	v := config.NewEmptyViper()

	v.Set("intent.provider", flags.Provider)
	v.Set("intent.max_body_size", flags.MaxBodySize)

	switch flags.Provider {
	case "bedrock":
		v.Set("bedrock.region", flags.BedrockRegion)
		v.Set("bedrock.model_id", flags.BedrockModelID)
		v.Set("bedrock.max_tokens", flags.MaxTokens)
		v.Set("bedrock.temperature", flags.Temperature)
		v.Set("bedrock.top_p", flags.TopP)
	case "gemini":
		v.Set("gemini.api_key", flags.GeminiAPIKey)
		v.Set("gemini.model_name", flags.GeminiModelName)
		v.Set("gemini.max_tokens", flags.MaxTokens)
		v.Set("gemini.temperature", flags.Temperature)
		v.Set("gemini.top_p", flags.TopP)
	case "openai":
		v.Set("openai.api_key", flags.OpenAIAPIKey)
		v.Set("openai.model_name", flags.OpenAIModelName)
		v.Set("openai.max_tokens", flags.MaxTokens)
		v.Set("openai.temperature", flags.Temperature)
		v.Set("openai.top_p", flags.TopP)
	}

	v.Set("policy.sandbox_threshold", flags.SandboxThreshold)
	v.Set("policy.quarantine_threshold", flags.QuarantineThreshold)
	v.Set("policy.block_threshold", flags.BlockThreshold)

	return config.NewFromViper(v)
}
