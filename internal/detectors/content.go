package detectors

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/nathan/mailsentry/internal/core"
	"go.uber.org/zap"
)

var urgencyKeywords = []string{
	"urgent", "immediately", "asap", "right away", "time sensitive",
	"today", "end of day", "eod", "need this now", "hurry",
}

var financialKeywords = []string{
	"wire transfer", "payment", "invoice", "bank account", "routing number",
	"swift", "ach", "wire", "transfer", "urgent payment",
	"gift card", "itunes", "google play", "prepaid card",
}

var authorityKeywords = []string{
	"ceo", "president", "director", "approved", "authorized", "confidential",
	"do not discuss", "between us", "sensitive", "private",
}

var credentialKeywords = []string{
	"verify your account", "password", "login", "sign in", "suspended",
	"unusual activity", "confirm your identity", "security alert",
}

var execTitles = []string{
	"ceo", "cfo", "president", "director", "chief", "vp", "vice president",
}

// signal is one weighted content finding
type signal struct {
	indicator  string
	confidence float64
	weight     float64
}

// ContentDetector scores phishing and BEC language patterns, impersonation
// signals and risky attachments/links. An optional intent classifier is
// consulted for borderline rule scores; its failure degrades to rule-only
// scoring.
type ContentDetector struct {
	knownBrands         []string
	classifier          core.IntentClassifier
	escalationThreshold float64
	logger              *zap.Logger
}

// NewContentDetector creates a content/intent detector. classifier may be
// nil to run rule-only.
func NewContentDetector(
	knownBrands []string,
	classifier core.IntentClassifier,
	escalationThreshold float64,
	logger *zap.Logger,
) *ContentDetector {
	return &ContentDetector{
		knownBrands:         knownBrands,
		classifier:          classifier,
		escalationThreshold: escalationThreshold,
		logger:              logger,
	}
}

// Name identifies the detector in results and policy weights
func (d *ContentDetector) Name() string {
	return "content"
}

// Score analyzes language, impersonation and payload signals
func (d *ContentDetector) Score(ctx context.Context, bundle *core.FeatureBundle) (*core.DetectorResult, error) {
	signals := d.collect(bundle)

	score := 0.0
	indicators := make([]string, 0, len(signals))
	for _, s := range signals {
		indicators = append(indicators, s.indicator)
		if weighted := s.confidence * s.weight; weighted > score {
			score = weighted
		}
	}
	score = math.Min(score, 1.0)

	confidence := 0.5
	if len(signals) > 0 {
		confidence = 0.8
	}

	// Borderline rule scores get a second opinion from the intent model
	if d.classifier != nil && score >= d.escalationThreshold && score < 0.9 {
		if assessment, err := d.classifier.ClassifyIntent(ctx, bundleToEmail(bundle)); err != nil {
			d.logger.Warn("Intent classifier unavailable, keeping rule-only score", zap.Error(err))
		} else if assessment.Confidence > 0 {
			// Escalation only: the model can raise a rule score, never lower it
			if assessment.Score > score {
				score = math.Min(assessment.Score, 1.0)
			}
			confidence = math.Max(confidence, assessment.Confidence)
			indicators = append(indicators, assessment.Indicators...)
		}
	}

	return &core.DetectorResult{
		Score:      score,
		Confidence: confidence,
		Indicators: indicators,
	}, nil
}

// collect gathers every content signal present in the bundle
func (d *ContentDetector) collect(bundle *core.FeatureBundle) []signal {
	var signals []signal
	text := strings.ToLower(bundle.Subject + " " + bundle.BodyText)

	// Urgency + financial + authority language, weighted toward financial
	urgency := countKeywords(text, urgencyKeywords)
	financial := countKeywords(text, financialKeywords)
	authority := countKeywords(text, authorityKeywords)
	languageScore := float64(urgency)*0.3 + float64(financial)*0.5 + float64(authority)*0.2
	if languageScore > 1.5 {
		confidence := math.Min(0.70+(languageScore-1.5)*0.1, 0.95)
		signals = append(signals, signal{"urgency_financial_language", confidence, 1.0})
	}

	if countKeywords(text, credentialKeywords) >= 2 {
		signals = append(signals, signal{"credential_phishing_language", 0.8, 1.1})
	}

	// Executive display name from a domain that doesn't match the claimed
	// identity
	displayName := strings.ToLower(bundle.SenderName)
	for _, title := range execTitles {
		if strings.Contains(displayName, title) {
			signals = append(signals, signal{"executive_display_name", 0.75, 1.2})
			break
		}
	}

	// Reply-To pointing somewhere other than the sender
	if bundle.ReplyTo != "" && !strings.HasSuffix(bundle.ReplyTo, "@"+bundle.SenderDomain) &&
		!strings.Contains(bundle.ReplyTo, bundle.SenderDomain) {
		signals = append(signals, signal{"reply_to_mismatch", 0.7, 1.1})
	}

	// Lookalike sender domain vs. the known-brand list
	if lookalike := d.lookalikeBrand(bundle.SenderDomain); lookalike != "" {
		signals = append(signals, signal{
			fmt.Sprintf("lookalike_domain:%s", lookalike), 0.9, 1.5,
		})
	}

	// URL signals
	for _, u := range bundle.URLs {
		if u.Unavailable {
			continue
		}
		if u.IPLiteral {
			signals = append(signals, signal{"ip_literal_url", 0.8, 1.2})
		}
		if lookalike := d.lookalikeBrand(u.Domain); lookalike != "" {
			signals = append(signals, signal{
				fmt.Sprintf("lookalike_url:%s", lookalike), 0.85, 1.4,
			})
		}
	}

	// Attachment signals
	for _, att := range bundle.Attachments {
		if att.Unavailable {
			continue
		}
		if att.Executable {
			signals = append(signals, signal{"executable_attachment", 0.9, 1.5})
		}
		if att.DoubleExtension {
			signals = append(signals, signal{"double_extension_attachment", 0.85, 1.3})
		}
		if att.Archive && languageScore > 0.5 {
			signals = append(signals, signal{"archive_with_urgency", 0.6, 1.0})
		}
	}

	return signals
}

// lookalikeBrand returns the brand a domain imitates, or empty when none.
// 85% similarity catches single-character typosquats without flagging
// unrelated domains.
func (d *ContentDetector) lookalikeBrand(domain string) string {
	if domain == "" {
		return ""
	}
	for _, brand := range d.knownBrands {
		if domain == brand {
			return ""
		}
		similarity := domainSimilarity(domain, brand)
		if similarity > 85 && similarity < 100 {
			return brand
		}
	}
	return ""
}

// bundleToEmail rebuilds the minimal email view the classifier prompt needs
func bundleToEmail(bundle *core.FeatureBundle) *core.EmailRecord {
	return &core.EmailRecord{
		MessageID: bundle.MessageID,
		Subject:   bundle.Subject,
		Sender:    bundle.Sender,
		Recipient: bundle.Recipient,
		Body:      bundle.BodyText,
	}
}
