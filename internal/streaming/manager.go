// Package streaming is the in-process event bus between a research run
// and its attached clients. Events are keyed by thread, sequenced, and
// kept in a per-thread ring buffer so a client that reconnects can replay
// what it missed via Last-Event-ID.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/astra-studio/astra/internal/metrics"
)

// Event types published during a research run.
const (
	EventThreadID         = "thread_id"
	EventPlanning         = "planning"
	EventResearchProgress = "research_progress"
	EventSourceFetch      = "source_fetch"
	EventQuality          = "quality"
	EventWriting          = "writing"
	EventMessage          = "message"
	EventTrace            = "trace"
	EventError            = "error"
	EventDone             = "done"
)

// Event is one streamed occurrence within a research thread.
type Event struct {
	ThreadID  string         `json:"thread_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
}

// Marshal returns the full event as JSON, used for WebSocket frames and
// logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// PayloadJSON returns just the payload as JSON, used for SSE data lines.
// The thread id always rides inside the payload so clients can correlate
// without parsing SSE framing.
func (e Event) PayloadJSON() []byte {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{"thread_id": e.ThreadID}
	}
	b, _ := json.Marshal(payload)
	return b
}

// Terminal reports whether this event ends the stream for a run: the done
// event or a fatal error.
func (e Event) Terminal() bool {
	if e.Type == EventDone {
		return true
	}
	if e.Type != EventError {
		return false
	}
	fatal, _ := e.Payload["fatal"].(bool)
	return fatal
}

// Manager provides in-memory pub/sub for research-thread events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-thread ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
}

// NewManager builds a bus whose per-thread replay rings hold capacity
// events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a thread; the caller must drain
// it and call Unsubscribe when done.
func (m *Manager) Subscribe(threadID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[threadID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[threadID] = subs
	}
	subs[ch] = struct{}{}
	metrics.EventSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(threadID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[threadID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.EventSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, threadID)
		}
	}
}

// Publish assigns the next sequence number (starting at 1), records the
// event in the thread's replay ring, and fans it out to subscribers
// without blocking. Slow subscribers lose events; the replay ring is
// their recovery path.
func (m *Manager) Publish(threadID, eventType string, payload map[string]any) Event {
	evt := Event{
		ThreadID:  threadID,
		Type:      eventType,
		Payload:   withThreadID(threadID, payload),
		Timestamp: time.Now().UTC(),
	}

	m.mu.Lock()
	rg := m.history[threadID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[threadID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	subs := m.subscribers[threadID]
	targets := make([]chan Event, 0, len(subs))
	for ch := range subs {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(eventType).Inc()
	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			metrics.EventsDropped.Inc()
		}
	}
	return evt
}

// ReplaySince returns events with Seq > since, best-effort within ring
// capacity, oldest first. A since of 0 requests the full retained backlog.
func (m *Manager) ReplaySince(threadID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[threadID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// SubscriberCount reports active subscribers for a thread.
func (m *Manager) SubscriberCount(threadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[threadID])
}

func withThreadID(threadID string, payload map[string]any) map[string]any {
	merged := make(map[string]any, len(payload)+1)
	merged["thread_id"] = threadID
	for k, v := range payload {
		merged[k] = v
	}
	return merged
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
