package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/astra-studio/astra/internal/streaming"
)

// handleEvents re-attaches an SSE client to a thread's event stream.
// Sending Last-Event-ID (header, or last_event_id query for EventSource
// polyfills) replays the retained backlog strictly after that sequence;
// an explicit 0 requests the full backlog. A types query parameter
// filters the delivered event types, comma separated.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		http.Error(w, `{"error":"thread_id is required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	types := parseTypeFilter(r.URL.Query().Get("types"))
	lastID, replay := parseLastEventID(r)

	// Subscribe before replaying so nothing published in between is lost;
	// the cursor below keeps replayed events from arriving twice.
	ch := s.events.Subscribe(threadID, s.buffer)
	defer s.events.Unsubscribe(threadID, ch)

	setSSEHeaders(w)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	cursor := lastID
	if replay {
		for _, evt := range s.events.ReplaySince(threadID, lastID) {
			if evt.Seq > cursor {
				cursor = evt.Seq
			}
			// A terminal event closes the stream even when the filter
			// would hide it, so filtered clients do not hang forever.
			terminal := evt.Terminal()
			if allowed(types, evt.Type) {
				writeSSE(w, evt)
			}
			if terminal {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}

	s.pump(r.Context(), w, flusher, ch, types, cursor)
}

// pump forwards live events to an SSE client until a terminal event, the
// context ends, or the subscription closes. Events at or below after are
// skipped; heartbeat comments keep idle connections open through proxies.
func (s *Server) pump(ctx context.Context, w io.Writer, flusher http.Flusher, ch <-chan streaming.Event, types map[string]bool, after uint64) {
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= after {
				continue
			}
			terminal := evt.Terminal()
			if allowed(types, evt.Type) {
				writeSSE(w, evt)
				flusher.Flush()
			}
			if terminal {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSE frames one event: id carries the reconnect cursor, event the
// type, data the payload object only.
func writeSSE(w io.Writer, evt streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", evt.Seq)
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", evt.PayloadJSON())
}

func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Access-Control-Allow-Origin", "*")
}

func allowed(types map[string]bool, eventType string) bool {
	return len(types) == 0 || types[eventType]
}

func parseTypeFilter(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	types := map[string]bool{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	if len(types) == 0 {
		return nil
	}
	return types
}

// parseLastEventID reads the reconnect cursor from the standard
// Last-Event-ID header with a last_event_id query fallback. The second
// return reports whether a replay was requested at all.
func parseLastEventID(r *http.Request) (uint64, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
