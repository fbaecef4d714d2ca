package detectors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nathan/mailsentry/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClassifier struct {
	assessment *core.IntentAssessment
	err        error
	calls      int
}

func (f *fakeClassifier) ClassifyIntent(ctx context.Context, email *core.EmailRecord) (*core.IntentAssessment, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.assessment, nil
}

func contentBundle() *core.FeatureBundle {
	return &core.FeatureBundle{
		MessageID:    "msg-1",
		Subject:      "Quarterly numbers",
		BodyText:     "Attached are the quarterly numbers.",
		Sender:       "alice@corp.example",
		SenderName:   "Alice Smith",
		SenderDomain: "corp.example",
		Recipient:    "bob@corp.example",
		ReceivedAt:   time.Now(),
	}
}

func newContentDetector(classifier core.IntentClassifier) *ContentDetector {
	return NewContentDetector([]string{"paypal.com", "microsoft.com"}, classifier, 0.4, zap.NewNop())
}

func TestContentDetectorName(t *testing.T) {
	assert.Equal(t, "content", newContentDetector(nil).Name())
}

func TestContentDetectorBenign(t *testing.T) {
	detector := newContentDetector(nil)

	result, err := detector.Score(context.Background(), contentBundle())
	require.NoError(t, err)

	assert.Zero(t, result.Score)
	assert.Equal(t, 0.5, result.Confidence)
	assert.Empty(t, result.Indicators)
}

func TestContentDetectorSignals(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(b *core.FeatureBundle)
		wantIndicator string
		wantScore     float64
	}{
		{
			"credential phishing language",
			func(b *core.FeatureBundle) {
				b.BodyText = "Please verify your account, your password has expired."
			},
			"credential_phishing_language", 0.88,
		},
		{
			"executive display name",
			func(b *core.FeatureBundle) { b.SenderName = "John Doe, CEO" },
			"executive_display_name", 0.9,
		},
		{
			"reply-to mismatch",
			func(b *core.FeatureBundle) { b.ReplyTo = "collector@freemail.example" },
			"reply_to_mismatch", 0.77,
		},
		{
			"lookalike sender domain",
			func(b *core.FeatureBundle) { b.SenderDomain = "paypa1.com" },
			"lookalike_domain:paypal.com", 1.0,
		},
		{
			"executable attachment",
			func(b *core.FeatureBundle) {
				b.Attachments = []core.AttachmentFeature{{Filename: "run.exe", Executable: true}}
			},
			"executable_attachment", 1.0,
		},
		{
			"double extension attachment",
			func(b *core.FeatureBundle) {
				b.Attachments = []core.AttachmentFeature{{Filename: "doc.pdf.scr", DoubleExtension: true}}
			},
			"double_extension_attachment", 1.0,
		},
		{
			"ip literal url",
			func(b *core.FeatureBundle) {
				b.URLs = []core.URLFeature{{Raw: "http://10.0.0.1/x", Domain: "10.0.0.1", IPLiteral: true}}
			},
			"ip_literal_url", 0.96,
		},
		{
			"lookalike url domain",
			func(b *core.FeatureBundle) {
				b.URLs = []core.URLFeature{{Raw: "https://micros0ft.com/login", Domain: "micros0ft.com"}}
			},
			"lookalike_url:microsoft.com", 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := newContentDetector(nil)
			bundle := contentBundle()
			tt.mutate(bundle)

			result, err := detector.Score(context.Background(), bundle)
			require.NoError(t, err)

			assert.Contains(t, result.Indicators, tt.wantIndicator)
			assert.InDelta(t, tt.wantScore, result.Score, 0.001)
			assert.Equal(t, 0.8, result.Confidence)
		})
	}
}

func TestContentDetectorExactBrandIsNotLookalike(t *testing.T) {
	detector := newContentDetector(nil)
	bundle := contentBundle()
	bundle.SenderDomain = "paypal.com"

	result, err := detector.Score(context.Background(), bundle)
	require.NoError(t, err)

	assert.NotContains(t, result.Indicators, "lookalike_domain:paypal.com")
}

func TestContentDetectorSkipsUnavailableSubFeatures(t *testing.T) {
	detector := newContentDetector(nil)
	bundle := contentBundle()
	bundle.URLs = []core.URLFeature{{Raw: "::bad::", Unavailable: true}}
	bundle.Attachments = []core.AttachmentFeature{{Unavailable: true, Executable: true}}

	result, err := detector.Score(context.Background(), bundle)
	require.NoError(t, err)

	assert.Empty(t, result.Indicators)
}

func TestContentDetectorClassifierEscalates(t *testing.T) {
	classifier := &fakeClassifier{assessment: &core.IntentAssessment{
		Score:      0.95,
		Confidence: 0.9,
		Indicators: []string{"payment_redirection_intent"},
	}}
	detector := newContentDetector(classifier)

	bundle := contentBundle()
	bundle.BodyText = "Please verify your account, your password has expired."

	result, err := detector.Score(context.Background(), bundle)
	require.NoError(t, err)

	assert.Equal(t, 1, classifier.calls)
	assert.InDelta(t, 0.95, result.Score, 0.001)
	assert.InDelta(t, 0.9, result.Confidence, 0.001)
	assert.Contains(t, result.Indicators, "payment_redirection_intent")
}

func TestContentDetectorClassifierCannotLowerScore(t *testing.T) {
	classifier := &fakeClassifier{assessment: &core.IntentAssessment{Score: 0.1, Confidence: 0.5}}
	detector := newContentDetector(classifier)

	bundle := contentBundle()
	bundle.BodyText = "Please verify your account, your password has expired."

	result, err := detector.Score(context.Background(), bundle)
	require.NoError(t, err)

	assert.InDelta(t, 0.88, result.Score, 0.001)
}

func TestContentDetectorClassifierFailureDegradesToRules(t *testing.T) {
	classifier := &fakeClassifier{err: errors.New("model endpoint unreachable")}
	detector := newContentDetector(classifier)

	bundle := contentBundle()
	bundle.BodyText = "Please verify your account, your password has expired."

	result, err := detector.Score(context.Background(), bundle)
	require.NoError(t, err)

	assert.InDelta(t, 0.88, result.Score, 0.001)
	assert.Equal(t, 0.8, result.Confidence)
}

func TestContentDetectorClassifierNotConsultedForClearVerdicts(t *testing.T) {
	classifier := &fakeClassifier{assessment: &core.IntentAssessment{Score: 0.2, Confidence: 0.9}}
	detector := newContentDetector(classifier)

	// Rule score already at 1.0; no second opinion needed
	bundle := contentBundle()
	bundle.Attachments = []core.AttachmentFeature{{Filename: "run.exe", Executable: true}}
	_, err := detector.Score(context.Background(), bundle)
	require.NoError(t, err)
	assert.Zero(t, classifier.calls)

	// Rule score below the escalation threshold; nothing borderline
	_, err = detector.Score(context.Background(), contentBundle())
	require.NoError(t, err)
	assert.Zero(t, classifier.calls)
}
