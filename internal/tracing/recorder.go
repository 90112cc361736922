package tracing

import (
	"context"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/astra-studio/astra/internal/models"
)

// UTCTimestamp formats a time as second-precision ISO-8601 with a Z suffix,
// the format used in trace events and completion metadata.
func UTCTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Recorder accumulates the stage trace for one run: an ordered event list
// and a per-node duration map that lands in the done metadata. Safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []models.TraceEvent
	// Last duration wins when a node runs more than once, matching how
	// refinement re-entries are reported.
	timings map[string]int
}

// NewRecorder returns an empty stage recorder.
func NewRecorder() *Recorder {
	return &Recorder{timings: make(map[string]int)}
}

// StageStart records a node start. It returns the start event for emission
// and opens an OTel span which the returned context carries.
func (r *Recorder) StageStart(ctx context.Context, node string) (context.Context, oteltrace.Span, models.TraceEvent) {
	event := models.TraceEvent{
		Node:      node,
		Status:    "start",
		Timestamp: UTCTimestamp(time.Now()),
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	ctx, span := StartSpan(ctx, node)
	return ctx, span, event
}

// StageEnd records a node end with its duration and returns the end event
// for emission. status is usually "end"; failed nodes pass "error".
func (r *Recorder) StageEnd(node string, startedAt time.Time, status string, extra map[string]any) models.TraceEvent {
	durationMs := int(time.Since(startedAt).Milliseconds())
	if extra == nil {
		extra = map[string]any{}
	}
	event := models.TraceEvent{
		Node:       node,
		Status:     status,
		Timestamp:  UTCTimestamp(time.Now()),
		DurationMs: &durationMs,
		Extra:      extra,
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.timings[node] = durationMs
	r.mu.Unlock()
	return event
}

// Events returns a copy of the recorded trace.
func (r *Recorder) Events() []models.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// TimingsMs returns a copy of the per-node durations.
func (r *Recorder) TimingsMs() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.timings))
	for node, ms := range r.timings {
		out[node] = ms
	}
	return out
}
