// Package budget enforces the evidence acceptance caps and the shared
// external-call quota for a single research run.
package budget

import (
	"sync"

	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/urlnorm"
)

// Reason explains a TryAccept outcome.
type Reason string

const (
	ReasonAccepted       Reason = "accepted"
	ReasonDeduped        Reason = "deduped"
	ReasonGlobalCap      Reason = "global_cap"
	ReasonSubQuestionCap Reason = "subquestion_cap"
	ReasonDomainCap      Reason = "domain_cap"
)

// Limits are the per-run acceptance caps.
type Limits struct {
	MaxTotal          int
	MaxPerSubQuestion int
	MaxDomainRepeat   int
}

// Coordinator is the single arbiter of evidence acceptance for one run.
// All concurrent workers share one instance; every decision happens inside
// one critical section so the caps hold under concurrency.
type Coordinator struct {
	mu     sync.Mutex
	limits Limits

	acceptedURLs           map[string]struct{}
	domainCounts           map[string]int
	acceptedPerSubQuestion map[string]int
	acceptedTotal          int
}

// NewCoordinator builds a coordinator seeded from notes that survived earlier
// rounds, so refinement rounds cannot re-accept or double-count sources.
func NewCoordinator(limits Limits, existingNotes map[string]models.ResearchNote) *Coordinator {
	c := &Coordinator{
		limits:                 limits,
		acceptedURLs:           make(map[string]struct{}),
		domainCounts:           make(map[string]int),
		acceptedPerSubQuestion: make(map[string]int),
	}
	for sqID, note := range existingNotes {
		for _, finding := range note.Findings {
			urlKey := urlnorm.Canonicalize(finding.URL)
			if _, seen := c.acceptedURLs[urlKey]; seen {
				continue
			}
			c.acceptedURLs[urlKey] = struct{}{}
			c.acceptedTotal++
			c.acceptedPerSubQuestion[sqID]++
			c.domainCounts[finding.SourceName]++
		}
	}
	return c
}

// TryAccept runs the acceptance checks in fixed order: dedup, global cap,
// per-sub-question cap, per-domain cap. On success the URL is registered and
// all counters move atomically.
func (c *Coordinator) TryAccept(subQuestionID string, finding models.SourceFinding) (bool, Reason) {
	urlKey := urlnorm.Canonicalize(finding.URL)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.acceptedURLs[urlKey]; seen {
		return false, ReasonDeduped
	}
	if c.acceptedTotal >= c.limits.MaxTotal {
		return false, ReasonGlobalCap
	}
	if c.acceptedPerSubQuestion[subQuestionID] >= c.limits.MaxPerSubQuestion {
		return false, ReasonSubQuestionCap
	}
	if c.domainCounts[finding.SourceName] >= c.limits.MaxDomainRepeat {
		return false, ReasonDomainCap
	}

	c.acceptedURLs[urlKey] = struct{}{}
	c.acceptedTotal++
	c.acceptedPerSubQuestion[subQuestionID]++
	c.domainCounts[finding.SourceName]++
	return true, ReasonAccepted
}

// GlobalExhausted reports whether the run-wide acceptance cap is reached.
func (c *Coordinator) GlobalExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acceptedTotal >= c.limits.MaxTotal
}

// SubQuestionCapReached reports whether a sub-question is at its cap.
func (c *Coordinator) SubQuestionCapReached(subQuestionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acceptedPerSubQuestion[subQuestionID] >= c.limits.MaxPerSubQuestion
}

// AcceptedTotal returns the number of accepted sources so far.
func (c *Coordinator) AcceptedTotal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acceptedTotal
}
