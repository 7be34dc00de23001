// Package scheduler fires cron-driven triggers into minds. Each running
// mind's volute.json may declare schedules; the tick loop evaluates them
// once a minute and the last-fired memo guarantees at most one firing per
// wall-clock minute per (mind, schedule), surviving daemon restarts.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/voluteio/volute/internal/config"
	"github.com/voluteio/volute/pkg/protocol"
)

const tickInterval = 60 * time.Second

// Schedule is one trigger from a mind's volute.json.
type Schedule struct {
	ID      string `json:"id"`
	Cron    string `json:"cron"`
	Enabled bool   `json:"enabled"`
	Message string `json:"message,omitempty"`
	Script  string `json:"script,omitempty"`
}

// mindConfig is the subset of volute.json the scheduler reads. Unknown keys
// are tolerated for forward compatibility.
type mindConfig struct {
	Schedules []Schedule `json:"schedules"`
}

// Target is a running mind eligible for scheduling.
type Target struct {
	Name string
	Dir  string
}

// TargetsFunc lists minds whose schedules should be evaluated. Seed-stage
// and stopped minds are excluded by the provider.
type TargetsFunc func() []Target

// DeliverFunc injects a scheduler-generated message into a mind.
type DeliverFunc func(mind, channel, sender, text string)

// Scheduler owns the tick loop and the persisted last-fired memo.
type Scheduler struct {
	mu        sync.Mutex
	cfg       *config.Config
	targets   TargetsFunc
	deliver   DeliverFunc
	gron      *gronx.Gronx
	lastFired map[string]int64 // "mind/id" → epoch minute

	now func() time.Time
}

// New loads the last-fired memo from <home>/scheduler-state.json.
func New(cfg *config.Config, targets TargetsFunc, deliver DeliverFunc) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		targets:   targets,
		deliver:   deliver,
		gron:      gronx.New(),
		lastFired: make(map[string]int64),
		now:       time.Now,
	}
	s.loadState()
	return s
}

// LoadSchedules reads and validates the schedules of one mind directory.
func LoadSchedules(dir string) ([]Schedule, error) {
	data, err := os.ReadFile(filepath.Join(dir, "volute.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read volute.json: %w", err)
	}
	var mc mindConfig
	if err := json5.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("parse volute.json: %w", err)
	}
	return mc.Schedules, nil
}

// SaveSchedules writes schedules back into the mind's volute.json,
// preserving unrelated keys.
func SaveSchedules(dir string, schedules []Schedule) error {
	path := filepath.Join(dir, "volute.json")
	raw := map[string]json.RawMessage{}
	if data, err := os.ReadFile(path); err == nil {
		// json5 features in a hand-edited file are lost on rewrite; the
		// daemon-written form is plain JSON.
		var full map[string]any
		if err := json5.Unmarshal(data, &full); err == nil {
			for k, v := range full {
				if blob, err := json.Marshal(v); err == nil {
					raw[k] = blob
				}
			}
		}
	}
	blob, err := json.Marshal(schedules)
	if err != nil {
		return err
	}
	raw["schedules"] = blob

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return config.WriteFileAtomic(path, out, 0o644)
}

// epochMinute truncates a time to whole minutes since the epoch.
func epochMinute(t time.Time) int64 { return t.Unix() / 60 }

// Tick evaluates every enabled schedule of every target once.
func (s *Scheduler) Tick() {
	now := s.now()
	for _, target := range s.targets() {
		schedules, err := LoadSchedules(target.Dir)
		if err != nil {
			slog.Warn("schedule load failed", "mind", target.Name, "error", err)
			continue
		}
		for _, sched := range schedules {
			if !sched.Enabled || sched.ID == "" {
				continue
			}
			s.evaluate(target, sched, now)
		}
	}
}

func (s *Scheduler) evaluate(target Target, sched Schedule, now time.Time) {
	if !s.gron.IsValid(sched.Cron) {
		slog.Warn("invalid cron expression, skipping", "mind", target.Name, "schedule", sched.ID, "cron", sched.Cron)
		return
	}
	prev, err := gronx.PrevTickBefore(sched.Cron, now, true)
	if err != nil {
		slog.Warn("cron evaluation failed", "mind", target.Name, "schedule", sched.ID, "error", err)
		return
	}

	minute := epochMinute(now)
	if epochMinute(prev) != minute {
		return
	}

	key := target.Name + "/" + sched.ID
	s.mu.Lock()
	if s.lastFired[key] == minute {
		s.mu.Unlock()
		return
	}
	s.lastFired[key] = minute
	// Persist before delivering so a crash mid-fire cannot double-fire
	// within the same minute after restart.
	if err := s.saveStateLocked(); err != nil {
		slog.Error("scheduler state write failed", "error", err)
	}
	s.mu.Unlock()

	text := s.resolveText(target, sched)
	if text == "" {
		return
	}
	slog.Info("schedule fired", "mind", target.Name, "schedule", sched.ID)
	s.deliver(target.Name, protocol.ChannelScheduler, sched.ID, text)
}

// resolveText runs the schedule's script in the mind's home directory, or
// falls back to the literal message.
func (s *Scheduler) resolveText(target Target, sched Schedule) string {
	if sched.Script == "" {
		return sched.Message
	}
	cmd := exec.Command("/bin/sh", "-c", sched.Script)
	cmd.Dir = target.Dir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "[script error] " + msg
	}
	return strings.TrimSpace(stdout.String())
}

// Start runs the minute tick until done is closed, and watches mind config
// files so schedule edits take effect without waiting a full tick.
func (s *Scheduler) Start(done <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
	go s.watchConfigs(done)
}

// watchConfigs logs volute.json changes as they land. The next tick picks
// the new schedules up; the watcher exists to surface edit errors early.
func (s *Scheduler) watchConfigs(done <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("schedule watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	watched := map[string]bool{}
	rescan := func() {
		for _, target := range s.targets() {
			if !watched[target.Dir] {
				if err := watcher.Add(target.Dir); err == nil {
					watched[target.Dir] = true
				}
			}
		}
	}
	rescan()

	rescanTicker := time.NewTicker(tickInterval)
	defer rescanTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-rescanTicker.C:
			rescan()
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "volute.json" || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if _, err := LoadSchedules(filepath.Dir(ev.Name)); err != nil {
				slog.Warn("volute.json changed but is invalid", "path", ev.Name, "error", err)
			} else {
				slog.Info("schedules reloaded", "path", ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("schedule watcher error", "error", err)
		}
	}
}

func (s *Scheduler) statePath() string { return s.cfg.DaemonPath("scheduler-state.json") }

func (s *Scheduler) loadState() {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &s.lastFired); err != nil {
		slog.Warn("scheduler state corrupt, starting empty", "error", err)
		s.lastFired = make(map[string]int64)
	}
}

func (s *Scheduler) saveStateLocked() error {
	data, err := json.MarshalIndent(s.lastFired, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(s.statePath(), data, 0o644)
}
