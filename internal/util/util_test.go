package util

import (
	"testing"
)

func TestContainsString(t *testing.T) {
	tests := []struct {
		name     string
		slice    []string
		item     string
		expected bool
	}{
		{
			name:     "item exists in slice",
			slice:    []string{"apple", "banana", "orange"},
			item:     "banana",
			expected: true,
		},
		{
			name:     "item does not exist in slice",
			slice:    []string{"apple", "banana", "orange"},
			item:     "grape",
			expected: false,
		},
		{
			name:     "empty slice",
			slice:    []string{},
			item:     "apple",
			expected: false,
		},
		{
			name:     "empty item in slice",
			slice:    []string{"", "apple"},
			item:     "",
			expected: true,
		},
		{
			name:     "case sensitive match",
			slice:    []string{"Apple", "Banana"},
			item:     "apple",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ContainsString(tt.slice, tt.item)
			if result != tt.expected {
				t.Errorf("ContainsString(%v, %q) = %v, want %v", tt.slice, tt.item, result, tt.expected)
			}
		})
	}
}

func TestCutRunes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{
			name:     "no cut needed",
			input:    "short",
			max:      10,
			expected: "short",
		},
		{
			name:     "exact length",
			input:    "exact",
			max:      5,
			expected: "exact",
		},
		{
			name:     "simple cut",
			input:    "abcdefgh",
			max:      3,
			expected: "abc",
		},
		{
			name:     "zero max",
			input:    "anything",
			max:      0,
			expected: "",
		},
		{
			name:     "negative max",
			input:    "anything",
			max:      -1,
			expected: "",
		},
		{
			name:     "multi-byte runes counted not bytes",
			input:    "héllo wörld",
			max:      6,
			expected: "héllo ",
		},
		{
			name:     "cjk runes",
			input:    "研究報告書",
			max:      2,
			expected: "研究",
		},
		{
			name:     "empty input",
			input:    "",
			max:      5,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CutRunes(tt.input, tt.max)
			if result != tt.expected {
				t.Errorf("CutRunes(%q, %d) = %q, want %q", tt.input, tt.max, result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		maxLen        int
		preserveWords bool
		expected      string
	}{
		{
			name:          "no truncation needed",
			input:         "short text",
			maxLen:        20,
			preserveWords: false,
			expected:      "short text",
		},
		{
			name:          "simple truncation",
			input:         "This is a long text that needs truncation",
			maxLen:        20,
			preserveWords: false,
			expected:      "This is a long te...",
		},
		{
			name:          "word-preserving truncation",
			input:         "This is a long text that needs truncation",
			maxLen:        20,
			preserveWords: true,
			expected:      "This is a long...",
		},
		{
			name:          "maxLen zero",
			input:         "any text",
			maxLen:        0,
			preserveWords: false,
			expected:      "",
		},
		{
			name:          "maxLen smaller than ellipsis",
			input:         "text",
			maxLen:        2,
			preserveWords: false,
			expected:      "..",
		},
		{
			name:          "exact length match",
			input:         "exact",
			maxLen:        5,
			preserveWords: false,
			expected:      "exact",
		},
		{
			name:          "preserve words but no space found",
			input:         "verylongtextwithoutspaces",
			maxLen:        15,
			preserveWords: true,
			expected:      "verylongtext...",
		},
		{
			name:          "truncate with newline",
			input:         "First line\nSecond line that is very long",
			maxLen:        20,
			preserveWords: true,
			expected:      "First line...",
		},
		{
			name:          "empty string",
			input:         "",
			maxLen:        10,
			preserveWords: false,
			expected:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateString(tt.input, tt.maxLen, tt.preserveWords)
			if result != tt.expected {
				t.Errorf("TruncateString(%q, %d, %v) = %q, want %q", tt.input, tt.maxLen, tt.preserveWords, result, tt.expected)
			}
		})
	}
}
