// Package activity maintains a per-mind active/idle state machine and emits
// mind_active / mind_idle events through the daemon event bus.
package activity

import (
	"sync"
	"time"

	"github.com/voluteio/volute/pkg/protocol"
)

// idleDelay is how long after a "done" signal a mind is considered idle.
const idleDelay = 2 * time.Minute

// PublishFunc persists and broadcasts one activity event.
type PublishFunc func(eventType, mind, summary string)

type mindState struct {
	active    bool
	idleTimer *time.Timer
}

// Tracker serializes activity transitions per mind. Signals that only carry
// telemetry ("log", "usage") never wake a mind.
type Tracker struct {
	mu      sync.Mutex
	minds   map[string]*mindState
	publish PublishFunc

	idleDelay time.Duration // test override
}

// NewTracker creates a tracker that emits through publish.
func NewTracker(publish PublishFunc) *Tracker {
	return &Tracker{
		minds:     make(map[string]*mindState),
		publish:   publish,
		idleDelay: idleDelay,
	}
}

// ignored signals carry no liveness information.
func ignored(signal string) bool {
	return signal == "log" || signal == "usage"
}

// Signal records inbound activity for mind. The first non-ignored signal in
// idle state publishes mind_active; repeated signals while active publish
// nothing. A "done" signal schedules the idle transition.
func (t *Tracker) Signal(mind, signal string) {
	if ignored(signal) {
		return
	}

	t.mu.Lock()
	st, ok := t.minds[mind]
	if !ok {
		st = &mindState{}
		t.minds[mind] = st
	}

	// Any new signal cancels a pending idle transition.
	if st.idleTimer != nil {
		st.idleTimer.Stop()
		st.idleTimer = nil
	}

	becameActive := false
	if !st.active {
		st.active = true
		becameActive = true
	}

	if signal == protocol.StreamDone && st.active {
		st.idleTimer = time.AfterFunc(t.idleDelay, func() { t.MarkIdle(mind) })
	}
	t.mu.Unlock()

	if becameActive {
		t.publish(protocol.ActivityMindActive, mind, "")
	}
}

// MarkIdle forces an immediate active → idle transition.
func (t *Tracker) MarkIdle(mind string) {
	t.mu.Lock()
	st, ok := t.minds[mind]
	if !ok || !st.active {
		t.mu.Unlock()
		return
	}
	st.active = false
	if st.idleTimer != nil {
		st.idleTimer.Stop()
		st.idleTimer = nil
	}
	t.mu.Unlock()

	t.publish(protocol.ActivityMindIdle, mind, "")
}

// IsActive reports the current state for mind.
func (t *Tracker) IsActive(mind string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.minds[mind]
	return ok && st.active
}

// Forget drops all state for a retired mind without publishing.
func (t *Tracker) Forget(mind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.minds[mind]; ok && st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	delete(t.minds, mind)
}

// StopAll cancels every pending idle timer. Used during daemon shutdown.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.minds {
		if st.idleTimer != nil {
			st.idleTimer.Stop()
			st.idleTimer = nil
		}
	}
}
