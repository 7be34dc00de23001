package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/voluteio/volute/internal/events"
)

// keepaliveInterval is how often an SSE comment line is sent on idle streams
// so proxies don't reap the connection.
const keepaliveInterval = 30 * time.Second

// handleEvents is the SSE stream. Reconnecting clients resume from the
// Last-Event-ID header (or ?since=) and receive any buffered events still
// inside the replay window before going live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastID uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastID, _ = strconv.ParseUint(v, 10, 64)
	} else if v := r.URL.Query().Get("since"); v != "" {
		lastID, _ = strconv.ParseUint(v, 10, 64)
	}

	// Subscribe before replaying so nothing published mid-replay is lost;
	// buffered events the replay already covered are dropped by ID below.
	// A client that can't keep up loses events and is expected to reconnect
	// with Last-Event-ID.
	ch := make(chan events.Event, 64)
	subID := uuid.NewString()
	s.seq.Subscribe(subID, func(ev events.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer s.seq.Unsubscribe(subID)

	lastSent := lastID
	for _, ev := range s.seq.EventsSince(lastID) {
		writeSSE(w, ev)
		lastSent = ev.ID
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-ch:
			if ev.ID <= lastSent {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
			lastSent = ev.ID
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
}
