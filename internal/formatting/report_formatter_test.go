package formatting

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func legend() []LegendEntry {
	return []LegendEntry{
		{Anchor: "S1", Source: "imf.org", Title: "Global Outlook"},
		{Anchor: "S2", Source: "reuters.com", Title: "Markets Wrap"},
		{Anchor: "S3", Source: "oecd.org", Title: "Economic Survey"},
	}
}

func TestEnsureAnchorLegendAppends(t *testing.T) {
	body := "Growth slowed in 2024. [S1]\n\nRates held steady. [S3]"
	out := EnsureAnchorLegend(body, legend())

	assert.Contains(t, out, "Source Anchors\n--------------\n")
	assert.Contains(t, out, "[S1] imf.org - Global Outlook - Used inline")
	assert.Contains(t, out, "[S2] reuters.com - Markets Wrap - Additional source")
	assert.Contains(t, out, "[S3] oecd.org - Economic Survey - Used inline")
	assert.True(t, strings.HasPrefix(out, "Growth slowed in 2024."))
}

func TestEnsureAnchorLegendReplacesExisting(t *testing.T) {
	body := "Findings. [S2]\n\nSource Anchors\n--------------\n[S1] stale.example - Old Entry"
	out := EnsureAnchorLegend(body, legend())

	assert.NotContains(t, out, "stale.example")
	assert.Contains(t, out, "[S2] reuters.com - Markets Wrap - Used inline")
	// Rebuilt legend appears exactly once, at the end.
	assert.Equal(t, 1, strings.Count(out, "Source Anchors"))
}

func TestEnsureAnchorLegendNoEntries(t *testing.T) {
	body := "Findings. [S1]"
	assert.Equal(t, body, EnsureAnchorLegend(body, nil))
}

func TestEnsureAnchorLegendEmptyBody(t *testing.T) {
	assert.Equal(t, "", EnsureAnchorLegend("", legend()))
	assert.Equal(t, "   ", EnsureAnchorLegend("   ", legend()))
}
