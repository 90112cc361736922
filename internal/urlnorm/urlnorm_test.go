package urlnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "forces https and strips www",
			input:    "http://www.Example.com/Path",
			expected: "https://example.com/Path",
		},
		{
			name:     "drops query and fragment",
			input:    "https://example.com/report?utm_source=x#section-2",
			expected: "https://example.com/report",
		},
		{
			name:     "strips trailing slash",
			input:    "https://example.com/report/",
			expected: "https://example.com/report",
		},
		{
			name:     "bare host",
			input:    "https://example.com/",
			expected: "https://example.com",
		},
		{
			name:     "schemeless input",
			input:    "example.com/data",
			expected: "https://example.com/data",
		},
		{
			name:     "whitespace trimmed",
			input:    "  https://example.com/a  ",
			expected: "https://example.com/a",
		},
		{
			name:     "empty input",
			input:    "   ",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Canonicalize(tt.input))
		})
	}
}

func TestCanonicalizeAgreesAcrossVariants(t *testing.T) {
	variants := []string{
		"http://www.imf.org/reports/weo/",
		"https://imf.org/reports/weo",
		"https://www.imf.org/reports/weo?lang=en",
	}
	for _, v := range variants {
		assert.Equal(t, "https://imf.org/reports/weo", Canonicalize(v))
	}
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "imf.org", Domain("https://www.imf.org/en/Publications"))
	assert.Equal(t, "en.wikipedia.org", Domain("https://en.wikipedia.org/wiki/Singapore"))
	assert.Equal(t, "example.com", Domain("example.com/page"))
	assert.Equal(t, "unknown", Domain(""))
	assert.Equal(t, "unknown", Domain("not a url"))
}

func TestSanitizeDomains(t *testing.T) {
	input := []string{
		"https://www.Reuters.com/markets",
		"reuters.com",
		"BLOOMBERG.com/news",
		"nodot",
		"",
		"ft.com",
	}
	assert.Equal(t, []string{"reuters.com", "bloomberg.com", "ft.com"}, SanitizeDomains(input))
}

func TestSanitizeDomainsCap(t *testing.T) {
	input := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		input = append(input, "site"+string(rune('a'+i))+".com")
	}
	assert.Len(t, SanitizeDomains(input), MaxDomainFilters)
}
