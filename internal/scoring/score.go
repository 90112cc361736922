package scoring

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/astra-studio/astra/internal/models"
)

var (
	wordPattern = regexp.MustCompile(`\b[a-zA-Z0-9]{3,}\b`)
	yearPattern = regexp.MustCompile(`\b(20\d{2})\b`)
)

// Acceptance score weights.
const (
	credibilityWeight = 0.55
	relevanceWeight   = 0.35
	recencyWeight     = 0.10
)

func tokenize(text string) map[string]struct{} {
	tokens := wordPattern.FindAllString(text, -1)
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[strings.ToLower(tok)] = struct{}{}
	}
	return set
}

// RelevanceScore measures token overlap between the sub-question plus query
// and the finding's title plus snippet. An empty target scores neutral 0.5,
// empty content scores 0.
func RelevanceScore(question, query string, finding models.SourceFinding) float64 {
	target := tokenize(question + " " + query)
	if len(target) == 0 {
		return 0.5
	}
	content := tokenize(finding.Title + " " + finding.Snippet)
	if len(content) == 0 {
		return 0.0
	}
	overlap := 0
	for tok := range target {
		if _, ok := content[tok]; ok {
			overlap++
		}
	}
	score := float64(overlap) / float64(len(target))
	if score > 1.0 {
		return 1.0
	}
	return score
}

// RecencyScore is a proxy built from year mentions in the title and snippet.
// No year mention scores neutral 0.5; otherwise the closest mentioned year
// to now buckets the score.
func RecencyScore(finding models.SourceFinding, now time.Time) float64 {
	matches := yearPattern.FindAllString(finding.Title+" "+finding.Snippet, -1)
	if len(matches) == 0 {
		return 0.5
	}
	currentYear := now.UTC().Year()
	minDelta := -1
	for _, m := range matches {
		year, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		delta := currentYear - year
		if delta < 0 {
			delta = -delta
		}
		if minDelta < 0 || delta < minDelta {
			minDelta = delta
		}
	}
	switch {
	case minDelta < 0:
		return 0.5
	case minDelta <= 1:
		return 1.0
	case minDelta <= 3:
		return 0.75
	default:
		return 0.45
	}
}

// AcceptanceScore combines credibility, relevance, and recency into the
// single score findings are thresholded on. Credibility comes from the
// finding's source domain.
func (r *TierRegistry) AcceptanceScore(sq models.SubQuestion, query string, finding models.SourceFinding, now time.Time) float64 {
	credibility := r.CredibilityScore(finding.SourceName)
	relevance := RelevanceScore(sq.Question, query, finding)
	recency := RecencyScore(finding, now)
	return credibilityWeight*credibility + relevanceWeight*relevance + recencyWeight*recency
}
