package budget

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astra-studio/astra/internal/models"
)

func testLimits() Limits {
	return Limits{MaxTotal: 15, MaxPerSubQuestion: 4, MaxDomainRepeat: 2}
}

func finding(url, domain string) models.SourceFinding {
	return models.SourceFinding{Title: "t", URL: url, Snippet: "s", SourceName: domain}
}

func TestTryAcceptOrderOfChecks(t *testing.T) {
	c := NewCoordinator(testLimits(), nil)

	ok, reason := c.TryAccept("sq1", finding("https://a.com/1", "a.com"))
	assert.True(t, ok)
	assert.Equal(t, ReasonAccepted, reason)

	// Same URL again, even from another sub-question, dedupes.
	ok, reason = c.TryAccept("sq2", finding("http://www.a.com/1?utm=x", "a.com"))
	assert.False(t, ok)
	assert.Equal(t, ReasonDeduped, reason)
}

func TestTryAcceptDomainCap(t *testing.T) {
	c := NewCoordinator(testLimits(), nil)

	for i := 0; i < 2; i++ {
		ok, _ := c.TryAccept("sq1", finding(fmt.Sprintf("https://a.com/%d", i), "a.com"))
		require.True(t, ok)
	}
	ok, reason := c.TryAccept("sq1", finding("https://a.com/3", "a.com"))
	assert.False(t, ok)
	assert.Equal(t, ReasonDomainCap, reason)

	// A different domain still fits.
	ok, _ = c.TryAccept("sq1", finding("https://b.com/1", "b.com"))
	assert.True(t, ok)
}

func TestTryAcceptSubQuestionCap(t *testing.T) {
	c := NewCoordinator(testLimits(), nil)

	for i := 0; i < 4; i++ {
		ok, _ := c.TryAccept("sq1", finding(fmt.Sprintf("https://d%d.com/x", i), fmt.Sprintf("d%d.com", i)))
		require.True(t, ok)
	}
	assert.True(t, c.SubQuestionCapReached("sq1"))

	ok, reason := c.TryAccept("sq1", finding("https://d9.com/x", "d9.com"))
	assert.False(t, ok)
	assert.Equal(t, ReasonSubQuestionCap, reason)

	// Other sub-questions are unaffected.
	ok, _ = c.TryAccept("sq2", finding("https://d10.com/x", "d10.com"))
	assert.True(t, ok)
}

func TestTryAcceptGlobalCap(t *testing.T) {
	c := NewCoordinator(Limits{MaxTotal: 3, MaxPerSubQuestion: 4, MaxDomainRepeat: 10}, nil)

	for i := 0; i < 3; i++ {
		ok, _ := c.TryAccept(fmt.Sprintf("sq%d", i), finding(fmt.Sprintf("https://d%d.com/x", i), fmt.Sprintf("d%d.com", i)))
		require.True(t, ok)
	}
	assert.True(t, c.GlobalExhausted())

	ok, reason := c.TryAccept("sq9", finding("https://d9.com/x", "d9.com"))
	assert.False(t, ok)
	assert.Equal(t, ReasonGlobalCap, reason)
}

func TestSeedingFromExistingNotes(t *testing.T) {
	notes := map[string]models.ResearchNote{
		"sq1": {
			SubQuestionID: "sq1",
			Findings: []models.SourceFinding{
				finding("https://a.com/1", "a.com"),
				finding("https://a.com/1", "a.com"), // duplicate is counted once
				finding("https://b.com/1", "b.com"),
			},
		},
	}
	c := NewCoordinator(testLimits(), notes)

	assert.Equal(t, 2, c.AcceptedTotal())

	// Seeded URLs dedupe on re-accept.
	ok, reason := c.TryAccept("sq2", finding("https://a.com/1", "a.com"))
	assert.False(t, ok)
	assert.Equal(t, ReasonDeduped, reason)

	// sq1 already carries two of its four slots.
	for i := 0; i < 2; i++ {
		ok, _ := c.TryAccept("sq1", finding(fmt.Sprintf("https://c%d.com/x", i), fmt.Sprintf("c%d.com", i)))
		require.True(t, ok)
	}
	assert.True(t, c.SubQuestionCapReached("sq1"))
}

func TestTryAcceptConcurrentHoldsCaps(t *testing.T) {
	c := NewCoordinator(Limits{MaxTotal: 15, MaxPerSubQuestion: 100, MaxDomainRepeat: 100}, nil)

	var wg sync.WaitGroup
	accepted := make(chan struct{}, 64)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 8; i++ {
				url := fmt.Sprintf("https://site%d.com/p%d", w, i)
				if ok, _ := c.TryAccept("sq1", finding(url, fmt.Sprintf("site%d.com", w))); ok {
					accepted <- struct{}{}
				}
			}
		}(w)
	}
	wg.Wait()
	close(accepted)

	count := 0
	for range accepted {
		count++
	}
	assert.Equal(t, 15, count)
	assert.Equal(t, 15, c.AcceptedTotal())
}
