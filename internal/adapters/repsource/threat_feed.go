package repsource

import (
	"context"
	"strings"
	"sync"

	"github.com/nathan/mailsentry/internal/core"
)

// ThreatFeedSource scores domains against a curated known-bad list. Feeds
// are loaded at startup and may be replaced wholesale at runtime.
type ThreatFeedSource struct {
	mu      sync.RWMutex
	domains map[string]bool
}

// NewThreatFeedSource creates a threat-feed source from a list of known-bad
// domains
func NewThreatFeedSource(domains []string) *ThreatFeedSource {
	s := &ThreatFeedSource{}
	s.Replace(domains)
	return s
}

// Name identifies the source in aggregated results
func (s *ThreatFeedSource) Name() string {
	return "threat_feed"
}

// Replace swaps the feed contents atomically
func (s *ThreatFeedSource) Replace(domains []string) {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[strings.ToLower(strings.TrimSpace(d))] = true
	}

	s.mu.Lock()
	s.domains = set
	s.mu.Unlock()
}

// Lookup returns a strongly negative score for listed domains and nil for
// domains the feed knows nothing about
func (s *ThreatFeedSource) Lookup(ctx context.Context, domain string) (*core.SourceScore, error) {
	s.mu.RLock()
	listed := s.domains[domain]
	s.mu.RUnlock()

	if !listed {
		return nil, nil
	}

	return &core.SourceScore{
		Source:           s.Name(),
		Score:            0.05,
		Confidence:       0.9,
		ThreatIndicators: []string{"threat_feed_match"},
	}, nil
}
