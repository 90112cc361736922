package scoring

import (
	"strings"

	"github.com/astra-studio/astra/internal/models"
)

// IntentClassifier labels a research query so the pipeline can pick phase
// lists, result caps, and acceptance thresholds. Implementations must return
// one of the models intent constants.
type IntentClassifier interface {
	Classify(query string) string
}

// KeywordClassifier is the default classifier: lowercase substring hits
// against two term sets, historical winning only on a strict majority.
type KeywordClassifier struct{}

var historicalTerms = []string{
	"history",
	"historical",
	"origin",
	"community",
	"culture",
	"linguistic",
	"ethnographic",
	"biography",
	"who are",
	"background",
	"tradition",
}

var businessTerms = []string{
	"market",
	"expand",
	"investment",
	"competitor",
	"regulatory",
	"infrastructure",
	"strategy",
	"risk",
	"gdp",
	"inflation",
	"central bank",
}

// Classify returns the historical intent when historical term hits strictly
// exceed business term hits, otherwise the business intent.
func (KeywordClassifier) Classify(query string) string {
	text := strings.ToLower(query)
	histHits := 0
	for _, term := range historicalTerms {
		if strings.Contains(text, term) {
			histHits++
		}
	}
	bizHits := 0
	for _, term := range businessTerms {
		if strings.Contains(text, term) {
			bizHits++
		}
	}
	if histHits > bizHits {
		return models.IntentHistorical
	}
	return models.IntentBusiness
}
