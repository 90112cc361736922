package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astra-studio/astra/internal/streaming"
)

func TestEventsReplaysBacklogAndClosesOnDone(t *testing.T) {
	srv, _, mgr := newTestServer(t, &fakeRunner{})
	mgr.Publish("th-1", streaming.EventThreadID, nil)
	mgr.Publish("th-1", streaming.EventPlanning, map[string]any{"status": "completed"})
	mgr.Publish("th-1", streaming.EventDone, map[string]any{"report": "final text"})

	req := httptest.NewRequest(http.MethodGet, "/events?thread_id=th-1&last_event_id=0", nil)
	rec := httptest.NewRecorder()
	srv.handleEvents(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	frames := parseSSE(t, rec.Body.String())
	require.Equal(t, []string{
		streaming.EventThreadID,
		streaming.EventPlanning,
		streaming.EventDone,
	}, eventOrder(frames))
	assert.Equal(t, "1", frames[0].id)
	assert.Equal(t, "3", frames[2].id)
	assert.JSONEq(t, `{"thread_id":"th-1","report":"final text"}`, frames[2].data)
}

func TestEventsResumesAfterCursor(t *testing.T) {
	srv, _, mgr := newTestServer(t, &fakeRunner{})
	mgr.Publish("th-1", streaming.EventThreadID, nil)
	mgr.Publish("th-1", streaming.EventPlanning, map[string]any{"status": "completed"})
	mgr.Publish("th-1", streaming.EventDone, map[string]any{"report": "final text"})

	req := httptest.NewRequest(http.MethodGet, "/events?thread_id=th-1", nil)
	req.Header.Set("Last-Event-ID", "2")
	rec := httptest.NewRecorder()
	srv.handleEvents(rec, req)

	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 1, "only events after the cursor are replayed")
	assert.Equal(t, streaming.EventDone, frames[0].event)
	assert.Equal(t, "3", frames[0].id)
}

func TestEventsFilteredTerminalStillCloses(t *testing.T) {
	srv, _, mgr := newTestServer(t, &fakeRunner{})
	mgr.Publish("th-1", streaming.EventPlanning, map[string]any{"status": "started"})
	mgr.Publish("th-1", streaming.EventDone, map[string]any{"report": "hidden"})

	// Returning at all proves the hidden terminal event closed the stream.
	req := httptest.NewRequest(http.MethodGet,
		"/events?thread_id=th-1&types=planning&last_event_id=0", nil)
	rec := httptest.NewRecorder()
	srv.handleEvents(rec, req)

	frames := parseSSE(t, rec.Body.String())
	require.Equal(t, []string{streaming.EventPlanning}, eventOrder(frames))
}

func TestEventsRequiresThreadID(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRunner{})

	rec := httptest.NewRecorder()
	srv.handleEvents(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.handleEvents(rec, httptest.NewRequest(http.MethodPost, "/events?thread_id=th-1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEventsLiveTailDeliversUntilTerminal(t *testing.T) {
	srv, _, mgr := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/events?thread_id=th-live", nil)
	rec := httptest.NewRecorder()

	handlerDone := make(chan struct{})
	go func() {
		srv.handleEvents(rec, req)
		close(handlerDone)
	}()

	require.Eventually(t, func() bool { return mgr.SubscriberCount("th-live") == 1 },
		time.Second, 5*time.Millisecond)

	mgr.Publish("th-live", streaming.EventResearchProgress, map[string]any{"sub_question_id": "sq1"})
	mgr.Publish("th-live", streaming.EventDone, map[string]any{"report": "live"})

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not close on the terminal event")
	}

	frames := parseSSE(t, rec.Body.String())
	require.Equal(t, []string{
		streaming.EventResearchProgress,
		streaming.EventDone,
	}, eventOrder(frames))
}

func TestParseLastEventID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/events?thread_id=x", nil)
	_, ok := parseLastEventID(r)
	assert.False(t, ok, "no cursor means no replay")

	r.Header.Set("Last-Event-ID", "7")
	id, ok := parseLastEventID(r)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), id)

	zero := httptest.NewRequest(http.MethodGet, "/events?thread_id=x&last_event_id=0", nil)
	id, ok = parseLastEventID(zero)
	assert.True(t, ok, "an explicit zero requests the full backlog")
	assert.Equal(t, uint64(0), id)

	both := httptest.NewRequest(http.MethodGet, "/events?thread_id=x&last_event_id=3", nil)
	both.Header.Set("Last-Event-ID", "9")
	id, _ = parseLastEventID(both)
	assert.Equal(t, uint64(9), id, "the standard header wins over the query fallback")

	bad := httptest.NewRequest(http.MethodGet, "/events?thread_id=x", nil)
	bad.Header.Set("Last-Event-ID", "garbage")
	_, ok = parseLastEventID(bad)
	assert.False(t, ok)
}

func TestParseTypeFilter(t *testing.T) {
	assert.Nil(t, parseTypeFilter(""))
	assert.Nil(t, parseTypeFilter(" , ,"))

	types := parseTypeFilter("planning, done")
	assert.True(t, types["planning"])
	assert.True(t, types["done"])
	assert.False(t, types["trace"])

	assert.True(t, allowed(nil, "anything"))
	assert.True(t, allowed(types, "done"))
	assert.False(t, allowed(types, "trace"))
}
