package repsource

import (
	"context"
	"strings"
	"unicode"

	"github.com/nathan/mailsentry/internal/core"
)

// TLDs disproportionately represented in abuse feeds
var suspiciousTLDs = map[string]bool{
	"tk": true, "ml": true, "ga": true, "cf": true, "gq": true,
	"top": true, "xyz": true, "click": true, "link": true, "zip": true,
}

// LexicalSource scores a domain on its own shape: suspicious TLD, digit
// density, hyphen runs, excessive length. Penalty-percentage model, the
// same approach sender-reputation systems use for registration heuristics.
type LexicalSource struct{}

// NewLexicalSource creates a lexical heuristic source
func NewLexicalSource() *LexicalSource {
	return &LexicalSource{}
}

// Name identifies the source in aggregated results
func (s *LexicalSource) Name() string {
	return "lexical_heuristics"
}

// Lookup scores the domain string itself; it always has an opinion
func (s *LexicalSource) Lookup(ctx context.Context, domain string) (*core.SourceScore, error) {
	score := 0.8
	var indicators []string

	labels := strings.Split(domain, ".")
	tld := labels[len(labels)-1]
	if suspiciousTLDs[tld] {
		score -= 0.35
		indicators = append(indicators, "suspicious_tld")
	}

	digits := 0
	hyphens := 0
	for _, r := range domain {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '-':
			hyphens++
		}
	}
	if digits >= 3 {
		score -= 0.15
		indicators = append(indicators, "digit_heavy_domain")
	}
	if hyphens >= 2 {
		score -= 0.1
		indicators = append(indicators, "hyphenated_domain")
	}
	if len(domain) > 30 {
		score -= 0.1
		indicators = append(indicators, "long_domain")
	}

	if score < 0.05 {
		score = 0.05
	}

	// Shape heuristics alone are weak evidence
	confidence := 0.3
	if len(indicators) > 0 {
		confidence = 0.45
	}

	return &core.SourceScore{
		Source:           s.Name(),
		Score:            score,
		Confidence:       confidence,
		ThreatIndicators: indicators,
	}, nil
}
