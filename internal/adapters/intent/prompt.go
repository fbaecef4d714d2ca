// Package intent provides LLM-backed IntentClassifier adapters. The
// classifier is optional; the content detector degrades to rule-only
// scoring when the provider fails.
package intent

import (
	"encoding/json"
	"fmt"

	"github.com/nathan/mailsentry/internal/core"
)

const promptFormat = `You are an email threat analyst. Judge whether the following email carries phishing or business email compromise intent.
Respond with a JSON object containing:
- score: number between 0 and 1 (higher means stronger malicious intent)
- confidence: number between 0 and 1 (how confident you are in your assessment)
- indicators: array of short snake_case strings naming what you observed
- categories: array drawn from ["phishing", "bec", "malware_lure", "benign"]

Email:
From: %s (%s)
To: %s
Subject: %s
Body:
%s

Respond only with the JSON object and nothing else.`

// intentResponse represents the structured response from the LLM
type intentResponse struct {
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Indicators []string `json:"indicators"`
	Categories []string `json:"categories"`
}

func buildPrompt(email *core.EmailRecord, body string) string {
	return fmt.Sprintf(promptFormat,
		email.Sender, email.SenderName, email.Recipient, email.Subject, body)
}

// parseResponse decodes the model output, tolerating prose around the JSON
// object
func parseResponse(responseText, modelUsed string) (*core.IntentAssessment, error) {
	var resp intentResponse
	if err := json.Unmarshal([]byte(responseText), &resp); err != nil {
		jsonStart := -1
		jsonEnd := -1
		for i := 0; i < len(responseText); i++ {
			if responseText[i] == '{' {
				jsonStart = i
				break
			}
		}
		for i := len(responseText) - 1; i >= 0; i-- {
			if responseText[i] == '}' {
				jsonEnd = i + 1
				break
			}
		}
		if jsonStart < 0 || jsonStart >= jsonEnd {
			return nil, fmt.Errorf("failed to extract JSON from LLM response: %w", err)
		}
		if err := json.Unmarshal([]byte(responseText[jsonStart:jsonEnd]), &resp); err != nil {
			return nil, fmt.Errorf("failed to parse LLM response as JSON: %w", err)
		}
	}

	return &core.IntentAssessment{
		Score:      clamp01(resp.Score),
		Confidence: clamp01(resp.Confidence),
		Indicators: resp.Indicators,
		Categories: resp.Categories,
		ModelUsed:  modelUsed,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
