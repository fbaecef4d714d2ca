package factory

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/nathan/mailsentry/internal/adapters/intent"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/utils"
	"go.uber.org/zap"
)

// IntentFactory creates the optional LLM-backed intent classifier
type IntentFactory struct {
	cfg           *config.Config
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewIntentFactory creates a new intent factory
func NewIntentFactory(cfg *config.Config, logger *zap.Logger, textProcessor *utils.TextProcessor) *IntentFactory {
	return &IntentFactory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateIntentClassifier creates an intent classifier based on the
// configuration. Provider "none" disables model-backed classification and
// returns nil.
func (f *IntentFactory) CreateIntentClassifier() (core.IntentClassifier, error) {
	intentCfg := f.cfg.GetIntent()

	switch intentCfg.Provider {
	case "", "none":
		f.logger.Info("Intent classifier disabled, content detector runs rule-only")
		return nil, nil
	case "openai":
		return intent.NewOpenAIClient(f.cfg.GetOpenAI(), intentCfg.MaxBodySize, f.textProcessor, f.logger), nil
	case "bedrock":
		bedrockCfg := f.cfg.GetBedrock()
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(bedrockCfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		client := bedrockruntime.NewFromConfig(awsCfg)
		return intent.NewBedrockClient(client, bedrockCfg, intentCfg.MaxBodySize, f.textProcessor, f.logger), nil
	case "gemini":
		client, err := intent.NewGeminiClient(f.cfg.GetGemini(), intentCfg.MaxBodySize, f.textProcessor, f.logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported intent provider: %s", intentCfg.Provider)
	}
}
