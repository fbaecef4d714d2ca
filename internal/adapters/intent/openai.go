package intent

import (
	"context"
	"fmt"

	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/utils"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIClient is an implementation of the IntentClassifier interface using
// OpenAI
type OpenAIClient struct {
	client        *openai.Client
	modelName     string
	maxTokens     int
	temperature   float32
	topP          float32
	maxBodySize   int
	textProcessor *utils.TextProcessor
	logger        *zap.Logger
}

// NewOpenAIClient creates a new OpenAI intent classifier
func NewOpenAIClient(
	cfg config.OpenAIConfig,
	maxBodySize int,
	textProcessor *utils.TextProcessor,
	logger *zap.Logger,
) *OpenAIClient {
	return &OpenAIClient{
		client:        openai.NewClient(cfg.APIKey),
		modelName:     cfg.ModelName,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		topP:          cfg.TopP,
		maxBodySize:   maxBodySize,
		textProcessor: textProcessor,
		logger:        logger,
	}
}

// ClassifyIntent judges phishing/BEC intent in an email
func (c *OpenAIClient) ClassifyIntent(ctx context.Context, email *core.EmailRecord) (*core.IntentAssessment, error) {
	body := c.textProcessor.ProcessText(email.Body, c.maxBodySize)
	prompt := buildPrompt(email, body)

	req := openai.ChatCompletionRequest{
		Model: c.modelName,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an email threat analyst. Respond only with JSON.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		TopP:        c.topP,
	}
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: "json"}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion with OpenAI: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from OpenAI")
	}

	assessment, err := parseResponse(resp.Choices[0].Message.Content, c.modelName)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("OpenAI intent assessment",
		zap.String("email_id", email.MessageID),
		zap.Float64("score", assessment.Score))

	return assessment, nil
}
