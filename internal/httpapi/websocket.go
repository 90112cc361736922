package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev-friendly; lock down via a fronting proxy in production.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket mirrors a thread's event stream over a WebSocket,
// sending full event envelopes as JSON frames. Unlike the SSE endpoints
// the socket stays open after a terminal event so one connection can
// watch follow-up turns on the same thread. Supports the same
// last_event_id replay and types filter as /events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		http.Error(w, `{"error":"thread_id is required"}`, http.StatusBadRequest)
		return
	}
	types := parseTypeFilter(r.URL.Query().Get("types"))
	lastID, replay := parseLastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(threadID, s.buffer)
	defer s.events.Unsubscribe(threadID, ch)

	cursor := lastID
	if replay {
		for _, evt := range s.events.ReplaySince(threadID, lastID) {
			if evt.Seq > cursor {
				cursor = evt.Seq
			}
			if !allowed(types, evt.Type) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}

	// Reader pump: discard inbound frames, keep the pong deadline fresh.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= cursor || !allowed(types, evt.Type) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
