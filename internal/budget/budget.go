// Package budget enforces per-mind token budgets with a sliding period, a
// three-state gate (ok / warning / exceeded), and a bounded queue of
// deferred messages drained on period rollover.
package budget

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voluteio/volute/internal/config"
	"github.com/voluteio/volute/pkg/protocol"
)

// Gate states returned by CheckBudget.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusExceeded Status = "exceeded"
)

const (
	queueCap     = 100
	warnFraction = 0.8
	tickInterval = 60 * time.Second
)

// QueuedMessage is a deferred inbound message held until rollover.
type QueuedMessage struct {
	Content []protocol.ContentBlock `json:"content"`
	Channel string                  `json:"channel"`
	Sender  string                  `json:"sender,omitempty"`
	Queued  time.Time               `json:"queued"`
}

// mindBudget is the persisted per-mind state (state/<mind>/token-budget.json).
type mindBudget struct {
	TokenLimit      int             `json:"tokenLimit"`
	PeriodMinutes   int             `json:"periodMinutes"`
	TokensUsed      int             `json:"tokensUsed"`
	PeriodStart     time.Time       `json:"periodStart"`
	WarningInjected bool            `json:"warningInjected"`
	Queue           []QueuedMessage `json:"queue,omitempty"`

	dirty bool
}

// DrainFunc reinjects deferred messages into the message pipeline after a
// period rollover.
type DrainFunc func(mind string, msgs []QueuedMessage)

// Manager holds all per-mind budgets behind one mutex. The rollover tick and
// the flush loop run on Start and stop with the context passed there.
type Manager struct {
	mu    sync.Mutex
	cfg   *config.Config
	minds map[string]*mindBudget
	drain DrainFunc

	now func() time.Time
}

// NewManager loads any persisted budget state found under <home>/state.
func NewManager(cfg *config.Config, drain DrainFunc) *Manager {
	m := &Manager{
		cfg:   cfg,
		minds: make(map[string]*mindBudget),
		drain: drain,
		now:   time.Now,
	}
	m.loadAll()
	return m
}

// SetBudget configures or reconfigures a mind's budget. Existing usage,
// queue, and warning state survive a limit change.
func (m *Manager) SetBudget(mind string, tokenLimit, periodMinutes int) error {
	if tokenLimit <= 0 {
		return errors.New("token limit must be positive")
	}
	if periodMinutes < 0 {
		return errors.New("period minutes must be >= 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.minds[mind]
	if !ok {
		b = &mindBudget{PeriodStart: m.now()}
		m.minds[mind] = b
	}
	b.TokenLimit = tokenLimit
	b.PeriodMinutes = periodMinutes
	b.dirty = true
	return nil
}

// RemoveBudget drops a mind's budget and its state file.
func (m *Manager) RemoveBudget(mind string) {
	m.mu.Lock()
	delete(m.minds, mind)
	m.mu.Unlock()
	os.Remove(m.statePath(mind))
}

// Budget reports the configured limit and period, or ok=false.
func (m *Manager) Budget(mind string) (tokenLimit, periodMinutes, tokensUsed int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, exists := m.minds[mind]
	if !exists {
		return 0, 0, 0, false
	}
	return b.TokenLimit, b.PeriodMinutes, b.TokensUsed, true
}

// RecordUsage accumulates tokens against the mind's budget. No-op when no
// budget is configured.
func (m *Manager) RecordUsage(mind string, inputTokens, outputTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.minds[mind]
	if !ok {
		return
	}
	b.TokensUsed += inputTokens + outputTokens
	b.dirty = true
}

// CheckBudget evaluates the gate. A warning is reported once per period; the
// caller is expected to inject a conservation prompt and then call
// AcknowledgeWarning.
func (m *Manager) CheckBudget(mind string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.minds[mind]
	if !ok || b.TokenLimit <= 0 {
		return StatusOK
	}
	ratio := float64(b.TokensUsed) / float64(b.TokenLimit)
	switch {
	case ratio >= 1.0:
		return StatusExceeded
	case ratio >= warnFraction && !b.WarningInjected:
		return StatusWarning
	default:
		return StatusOK
	}
}

// AcknowledgeWarning marks the warning as injected for this period.
func (m *Manager) AcknowledgeWarning(mind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.minds[mind]; ok {
		b.WarningInjected = true
		b.dirty = true
	}
}

// Enqueue defers a message until rollover. On overflow the oldest entry is
// dropped (ring discipline).
func (m *Manager) Enqueue(mind string, msg QueuedMessage) {
	if msg.Queued.IsZero() {
		msg.Queued = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.minds[mind]
	if !ok {
		return
	}
	b.Queue = append(b.Queue, msg)
	if len(b.Queue) > queueCap {
		b.Queue = b.Queue[len(b.Queue)-queueCap:]
	}
	b.dirty = true
}

// Drain removes and returns all queued messages for mind.
func (m *Manager) Drain(mind string) []QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.minds[mind]
	if !ok || len(b.Queue) == 0 {
		return nil
	}
	out := b.Queue
	b.Queue = nil
	b.dirty = true
	return out
}

// Tick rolls over every mind whose period has elapsed: usage and warning
// reset, periodStart advances, and the deferred queue is handed to the drain
// callback outside the lock.
func (m *Manager) Tick() {
	type drained struct {
		mind string
		msgs []QueuedMessage
	}
	var pending []drained

	m.mu.Lock()
	now := m.now()
	for mind, b := range m.minds {
		if b.PeriodMinutes <= 0 {
			continue
		}
		period := time.Duration(b.PeriodMinutes) * time.Minute
		if now.Sub(b.PeriodStart) < period {
			continue
		}
		b.TokensUsed = 0
		b.WarningInjected = false
		// Advance in whole periods so slow ticks don't shift the boundary.
		for now.Sub(b.PeriodStart) >= period {
			b.PeriodStart = b.PeriodStart.Add(period)
		}
		b.dirty = true
		if len(b.Queue) > 0 {
			pending = append(pending, drained{mind, b.Queue})
			b.Queue = nil
		}
	}
	m.mu.Unlock()

	for _, d := range pending {
		slog.Info("budget period rolled over, draining queue", "mind", d.mind, "queued", len(d.msgs))
		if m.drain != nil {
			m.drain(d.mind, d.msgs)
		}
	}
}

// Start runs the 60-second rollover tick and periodic flush until ctx is
// done, then flushes once more.
func (m *Manager) Start(done <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				m.Flush()
				return
			case <-ticker.C:
				m.Tick()
				m.Flush()
			}
		}
	}()
}

// Flush persists every dirty budget to its state file.
func (m *Manager) Flush() {
	type snap struct {
		mind string
		data []byte
	}
	var snaps []snap

	m.mu.Lock()
	for mind, b := range m.minds {
		if !b.dirty {
			continue
		}
		data, err := json.MarshalIndent(b, "", "  ")
		if err != nil {
			slog.Warn("budget marshal failed", "mind", mind, "error", err)
			continue
		}
		b.dirty = false
		snaps = append(snaps, snap{mind, data})
	}
	m.mu.Unlock()

	for _, s := range snaps {
		path := m.statePath(s.mind)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			slog.Warn("budget state dir", "mind", s.mind, "error", err)
			continue
		}
		if err := config.WriteFileAtomic(path, s.data, 0o644); err != nil {
			slog.Warn("budget flush failed", "mind", s.mind, "error", err)
		}
	}
}

func (m *Manager) statePath(mind string) string {
	return filepath.Join(m.cfg.MindStateDir(mind), "token-budget.json")
}

func (m *Manager) loadAll() {
	stateRoot := m.cfg.DaemonPath("state")
	dirs, err := os.ReadDir(stateRoot)
	if err != nil {
		return
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		mind := d.Name()
		data, err := os.ReadFile(m.statePath(mind))
		if err != nil {
			continue
		}
		var b mindBudget
		if err := json.Unmarshal(data, &b); err != nil {
			slog.Warn("budget state corrupt, ignoring", "mind", mind, "error", err)
			continue
		}
		if b.TokenLimit <= 0 {
			continue
		}
		if b.PeriodStart.IsZero() {
			b.PeriodStart = m.now()
		}
		m.minds[mind] = &b
	}
	if len(m.minds) > 0 {
		slog.Info("token budgets loaded", "count", len(m.minds))
	}
}
