// Package events provides the daemon's event bus: a monotonic sequencer with
// a fixed-capacity ring buffer for SSE replay, plus subscriber fan-out.
package events

import (
	"sync"
	"time"
)

const (
	// ringCapacity is how many events are retained for replay.
	ringCapacity = 1000
	// replayWindow drops events older than this from replay.
	replayWindow = 5 * time.Minute
)

// Event is one sequenced daemon event.
type Event struct {
	ID      uint64    `json:"id"`
	Type    string    `json:"type"` // protocol.EventActivity, EventMessage, EventTyping
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// Handler receives broadcast events.
type Handler func(Event)

// Publisher is the minimal surface components need to emit events.
type Publisher interface {
	Publish(eventType string, payload any) Event
}

// Sequencer assigns monotonically increasing IDs, retains the last
// ringCapacity events for reconnect replay, and fans out to subscribers.
// Process-wide, guarded by a single mutex.
type Sequencer struct {
	mu     sync.Mutex
	nextID uint64
	ring   []Event // oldest first, len <= ringCapacity
	subs   map[string]Handler

	now func() time.Time // test override
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{
		subs: make(map[string]Handler),
		now:  time.Now,
	}
}

// Publish assigns the next ID, buffers the event, and notifies subscribers
// in sequence. Handlers run synchronously under the caller's goroutine so
// IDs reach subscribers in assignment order.
func (s *Sequencer) Publish(eventType string, payload any) Event {
	s.mu.Lock()
	s.nextID++
	ev := Event{
		ID:      s.nextID,
		Type:    eventType,
		Payload: payload,
		Time:    s.now(),
	}
	s.ring = append(s.ring, ev)
	if len(s.ring) > ringCapacity {
		s.ring = s.ring[len(s.ring)-ringCapacity:]
	}
	handlers := make([]Handler, 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return ev
}

// EventsSince returns buffered events with ID strictly greater than lastID,
// oldest first, excluding events outside the replay window.
func (s *Sequencer) EventsSince(lastID uint64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-replayWindow)
	var out []Event
	for _, ev := range s.ring {
		if ev.ID <= lastID || ev.Time.Before(cutoff) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id.
func (s *Sequencer) Subscribe(id string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = h
}

// Unsubscribe removes a handler.
func (s *Sequencer) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Reset clears the ring and counter. Tests only.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = 0
	s.ring = nil
}
