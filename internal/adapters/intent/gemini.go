package intent

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/utils"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiClient is an implementation of the IntentClassifier interface using
// Google Gemini
type GeminiClient struct {
	client        *genai.Client
	model         *genai.GenerativeModel
	modelName     string
	maxBodySize   int
	textProcessor *utils.TextProcessor
	logger        *zap.Logger
}

// NewGeminiClient creates a new Gemini intent classifier
func NewGeminiClient(
	cfg config.GeminiConfig,
	maxBodySize int,
	textProcessor *utils.TextProcessor,
	logger *zap.Logger,
) (*GeminiClient, error) {
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.ModelName)
	model.SetTemperature(cfg.Temperature)
	model.SetTopP(cfg.TopP)
	model.SetMaxOutputTokens(int32(cfg.MaxTokens))

	return &GeminiClient{
		client:        client,
		model:         model,
		modelName:     cfg.ModelName,
		maxBodySize:   maxBodySize,
		textProcessor: textProcessor,
		logger:        logger,
	}, nil
}

// Close closes the Gemini client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// ClassifyIntent judges phishing/BEC intent in an email
func (c *GeminiClient) ClassifyIntent(ctx context.Context, email *core.EmailRecord) (*core.IntentAssessment, error) {
	body := c.textProcessor.ProcessText(email.Body, c.maxBodySize)
	prompt := buildPrompt(email, body)

	resp, err := c.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content with Gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	responseText := fmt.Sprintf("%v", resp.Candidates[0].Content.Parts[0])

	assessment, err := parseResponse(responseText, c.modelName)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Gemini intent assessment",
		zap.String("email_id", email.MessageID),
		zap.Float64("score", assessment.Score))

	return assessment, nil
}
