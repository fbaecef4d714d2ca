package detectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountKeywords(t *testing.T) {
	keywords := []string{"wire transfer", "invoice", "gift card"}

	assert.Equal(t, 0, countKeywords("lunch on friday?", keywords))
	assert.Equal(t, 2, countKeywords("the invoice covers the wire transfer", keywords))
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"paypal", "paypal", 0},
		{"paypal", "paypa1", 1},
		{"kitten", "sitting", 3},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshteinDistance(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestDomainSimilarity(t *testing.T) {
	assert.InDelta(t, 100, domainSimilarity("paypal.com", "paypal.com"), 0.001)
	assert.InDelta(t, 90, domainSimilarity("paypa1.com", "paypal.com"), 0.001)
	assert.Less(t, domainSimilarity("example.org", "paypal.com"), 50.0)
}
