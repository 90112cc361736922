package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/models"
)

func TestRelevanceScoreOverlap(t *testing.T) {
	finding := models.SourceFinding{
		Title:   "Fintech adoption in Vietnam",
		Snippet: "",
	}
	// Target tokens: vietnam, fintech, adoption, market. Content covers 3.
	score := RelevanceScore("Vietnam fintech adoption", "vietnam fintech market", finding)
	assert.InDelta(t, 0.75, score, 1e-9)
}

func TestRelevanceScoreEdges(t *testing.T) {
	assert.InDelta(t, 0.5, RelevanceScore("", "", models.SourceFinding{Title: "anything here"}), 1e-9,
		"empty target is neutral")
	assert.InDelta(t, 0.0, RelevanceScore("some question", "query", models.SourceFinding{}), 1e-9,
		"empty content scores zero")
	// Short tokens (< 3 chars) never count.
	assert.InDelta(t, 0.5, RelevanceScore("a b", "of", models.SourceFinding{Title: "a b of"}), 1e-9)
}

func TestRecencyScoreBuckets(t *testing.T) {
	now := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	assert.InDelta(t, 1.0, RecencyScore(models.SourceFinding{Title: "GDP outlook 2026"}, now), 1e-9)
	assert.InDelta(t, 1.0, RecencyScore(models.SourceFinding{Snippet: "released in 2025"}, now), 1e-9)
	assert.InDelta(t, 0.75, RecencyScore(models.SourceFinding{Title: "Report from 2024"}, now), 1e-9)
	assert.InDelta(t, 0.45, RecencyScore(models.SourceFinding{Title: "Archive 2019"}, now), 1e-9)
	assert.InDelta(t, 0.5, RecencyScore(models.SourceFinding{Title: "No year mentioned"}, now), 1e-9)
	// The closest year wins when several are mentioned.
	assert.InDelta(t, 1.0, RecencyScore(models.SourceFinding{Snippet: "data for 2012 through 2026"}, now), 1e-9)
}

func TestAcceptanceScoreComposition(t *testing.T) {
	r := NewTierRegistry(zap.NewNop())
	now := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	sq := models.SubQuestion{Question: "Vietnam fintech adoption"}

	perfect := models.SourceFinding{
		Title:      "Vietnam fintech adoption trends 2026",
		Snippet:    "market data",
		SourceName: "imf.org",
	}
	assert.InDelta(t, 1.0, r.AcceptanceScore(sq, "fintech market", perfect, now), 1e-9)

	weak := models.SourceFinding{
		Title:      "Unrelated cooking recipes",
		Snippet:    "",
		SourceName: "randomblog.net",
	}
	// 0.55*0.35 + 0.35*0 + 0.10*0.5
	assert.InDelta(t, 0.2425, r.AcceptanceScore(sq, "fintech market", weak, now), 1e-9)
}
