package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/astra-studio/astra/internal/models"
)

func TestKeywordClassifier(t *testing.T) {
	c := KeywordClassifier{}

	tests := []struct {
		query    string
		expected string
	}{
		{"Who are the Hmong community and their cultural history?", models.IntentHistorical},
		{"Origin and traditions of the Basque people", models.IntentHistorical},
		{"Should we expand into the Vietnamese fintech market?", models.IntentBusiness},
		{"GDP growth and inflation outlook for Brazil", models.IntentBusiness},
		{"Tell me about pandas", models.IntentBusiness},
		{"", models.IntentBusiness},
		// Ties resolve to business.
		{"history of market", models.IntentBusiness},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, c.Classify(tt.query), "query: %s", tt.query)
	}
}

func TestKeywordClassifierCaseInsensitive(t *testing.T) {
	c := KeywordClassifier{}
	assert.Equal(t, models.IntentHistorical, c.Classify("HISTORY and CULTURE of the region"))
}
