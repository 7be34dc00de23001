// Package supervisor owns the lifecycle of mind child processes: spawning
// in their own process groups, readiness detection, crash backoff, stale
// PID reconciliation, log rotation, and graceful shutdown.
package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/voluteio/volute/internal/config"
	"github.com/voluteio/volute/internal/registry"
	"github.com/voluteio/volute/pkg/protocol"
)

const (
	startTimeout    = 30 * time.Second
	stopTimeout     = 5 * time.Second
	maxCrashRetries = 5
	crashBaseDelay  = 3000 * time.Millisecond
	crashMaxDelay   = 60000 * time.Millisecond
)

var (
	ErrAlreadyRunning = errors.New("mind already running")
	ErrNotRunning     = errors.New("mind not running")
	ErrStartTimeout   = errors.New("mind did not report listening in time")
	ErrShuttingDown   = errors.New("daemon is shutting down")
)

var listeningRe = regexp.MustCompile(`listening on :\d+`)

// PublishFunc persists and broadcasts an activity event.
type PublishFunc func(eventType, mind, summary string)

// child is one tracked mind process.
type child struct {
	name     string
	port     int
	dir      string
	cmd      *exec.Cmd
	logw     *rotatingWriter
	stopping bool
	exited   chan struct{}
}

// Supervisor tracks all spawned minds. All public methods are safe for
// concurrent use.
type Supervisor struct {
	mu           sync.Mutex
	cfg          *config.Config
	reg          *registry.Registry
	publish      PublishFunc
	entrypoint   string
	children     map[string]*child
	starting     map[string]bool
	pending      map[string]any
	attempts     map[string]int
	crashTimers  map[string]*time.Timer
	shuttingDown bool
	client       *http.Client

	// onStarted fires after a mind reports ready, before pending-context
	// delivery. The daemon uses it to replay the delivery queue.
	onStarted func(name string)
}

// New creates a supervisor and loads persisted crash counters.
func New(cfg *config.Config, reg *registry.Registry, publish PublishFunc) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		reg:         reg,
		publish:     publish,
		entrypoint:  cfg.MindCommand,
		children:    make(map[string]*child),
		starting:    make(map[string]bool),
		pending:     make(map[string]any),
		attempts:    make(map[string]int),
		crashTimers: make(map[string]*time.Timer),
		client:      &http.Client{Timeout: 5 * time.Second},
	}
	s.loadAttempts()
	return s
}

// SetOnStarted installs the post-start hook.
func (s *Supervisor) SetOnStarted(fn func(name string)) { s.onStarted = fn }

// IsRunning reports whether the supervisor currently tracks name.
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.children[name]
	return ok
}

// Running lists the names of all tracked minds.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.children))
	for name := range s.children {
		out = append(out, name)
	}
	return out
}

// Port returns the tracked mind's port, or ok=false.
func (s *Supervisor) Port(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[name]
	if !ok {
		return 0, false
	}
	return c.port, true
}

// SetPendingContext stores a context object delivered to the mind as a
// system message once it next reports ready.
func (s *Supervisor) SetPendingContext(name string, ctx any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[name] = ctx
}

// resolveTarget maps a canonical name (base or base@variant) to a working
// directory and port.
func (s *Supervisor) resolveTarget(name string) (dir string, port int, base string, err error) {
	base, variant, isVariant := strings.Cut(name, "@")
	if !isVariant {
		entry, ok := s.reg.Find(base)
		if !ok {
			return "", 0, base, fmt.Errorf("%w: %q", registry.ErrNotFound, base)
		}
		return s.cfg.MindDir(base), entry.Port, base, nil
	}
	_, v, ok := s.reg.FindVariant(base, variant)
	if !ok {
		return "", 0, base, fmt.Errorf("%w: %q", registry.ErrNotFound, name)
	}
	dir = v.Path
	if dir == "" {
		dir = s.cfg.MindDir(base) + "@" + variant
	}
	return dir, v.Port, base, nil
}

// StartMind spawns the named mind and waits for its readiness line.
func (s *Supervisor) StartMind(name string) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := s.children[name]; ok || s.starting[name] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyRunning, name)
	}
	// Reserve the name so a concurrent start can't also pass the guard
	// while we spawn outside the lock.
	s.starting[name] = true
	// Cancel any scheduled crash-recovery restart; a manual start takes over.
	if t, ok := s.crashTimers[name]; ok {
		t.Stop()
		delete(s.crashTimers, name)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, name)
		s.mu.Unlock()
	}()

	dir, port, base, err := s.resolveTarget(name)
	if err != nil {
		return err
	}

	s.reconcilePIDFile(name)
	if err := s.clearPort(name, port); err != nil {
		return err
	}

	stateDir := s.cfg.MindStateDir(name)
	logDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create state dirs: %w", err)
	}
	s.chownToMindUser(stateDir, logDir)

	env, err := s.buildEnv(name, dir, stateDir, port)
	if err != nil {
		return err
	}

	logw, err := newRotatingWriter(filepath.Join(logDir, "mind.log"))
	if err != nil {
		return fmt.Errorf("open mind log: %w", err)
	}

	cmd := exec.Command(s.entrypoint)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logw.Close()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logw.Close()
		return err
	}

	if err := cmd.Start(); err != nil {
		logw.Close()
		return fmt.Errorf("spawn %s: %w", name, err)
	}

	c := &child{
		name:   name,
		port:   port,
		dir:    dir,
		cmd:    cmd,
		logw:   logw,
		exited: make(chan struct{}),
	}

	ready := make(chan struct{}, 1)
	go s.forwardOutput(c, stdout, ready)
	go s.forwardOutput(c, stderr, nil)
	go func() {
		cmd.Wait()
		close(c.exited)
	}()

	select {
	case <-ready:
	case <-c.exited:
		logw.Close()
		return fmt.Errorf("mind %s exited during startup", name)
	case <-time.After(startTimeout):
		killGroup(cmd.Process.Pid, stopTimeout)
		logw.Close()
		return fmt.Errorf("%w: %s", ErrStartTimeout, name)
	}

	if err := s.writePIDFile(name, cmd.Process.Pid); err != nil {
		slog.Warn("pid file write failed", "mind", name, "error", err)
	}

	s.mu.Lock()
	s.children[name] = c
	delete(s.attempts, name)
	s.saveAttemptsLocked()
	s.mu.Unlock()

	go s.watchExit(c)

	if base == name {
		if err := s.reg.SetRunning(base, true); err != nil {
			slog.Warn("registry running flag", "mind", base, "error", err)
		}
	}
	slog.Info("mind started", "mind", name, "port", port, "pid", cmd.Process.Pid)
	s.publish(protocol.ActivityMindStarted, name, "")

	if s.onStarted != nil {
		s.onStarted(name)
	}
	s.deliverPendingContext(name, port)
	return nil
}

// clearPort frees the mind's port if something is already serving on it. A
// healthy listener is killed only when both the OS port-to-PID lookup and
// the command-line check identify it as a mind; otherwise the start is
// refused so the operator is notified.
func (s *Supervisor) clearPort(name string, port int) error {
	resp, err := s.client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return nil // nothing listening
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	pid := portOwner(port)
	if pid <= 0 || !isMindProcess(pid, s.entrypoint) {
		return fmt.Errorf("port %d is owned by an unrelated process, refusing to start %s", port, name)
	}
	slog.Warn("killing process squatting on mind port", "mind", name, "port", port, "pid", pid)
	killGroup(pid, stopTimeout)
	return nil
}

// buildEnv merges shared and per-mind env with the mandatory VOLUTE_*
// variables; CLAUDECODE is stripped (reserved by a downstream SDK).
func (s *Supervisor) buildEnv(name, dir, stateDir string, port int) ([]string, error) {
	merged, err := s.cfg.MergedMindEnv(name)
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(os.Environ())+len(merged)+4)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		env = append(env, kv)
	}
	for _, kv := range merged {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"VOLUTE_MIND="+name,
		"VOLUTE_MIND_DIR="+dir,
		"VOLUTE_STATE_DIR="+stateDir,
		"VOLUTE_MIND_PORT="+strconv.Itoa(port),
	)
	return env, nil
}

// forwardOutput pipes one child stream into the rotating log, signalling
// ready on the first line matching the readiness pattern.
func (s *Supervisor) forwardOutput(c *child, r io.Reader, ready chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		c.logw.Write(append(bytes.TrimRight(line, "\r"), '\n'))
		if ready != nil && listeningRe.Match(line) {
			select {
			case ready <- struct{}{}:
			default:
			}
			ready = nil
		}
	}
}

// watchExit waits for the child to die and drives crash recovery when the
// exit was not requested.
func (s *Supervisor) watchExit(c *child) {
	<-c.exited
	c.logw.Close()

	s.mu.Lock()
	tracked, ok := s.children[c.name]
	intentional := s.shuttingDown || (ok && tracked.stopping)
	if ok && tracked == c {
		delete(s.children, c.name)
	}
	s.mu.Unlock()

	if intentional || !ok {
		return
	}
	s.removePIDFile(c.name)
	slog.Warn("mind exited unexpectedly", "mind", c.name)
	s.scheduleRestart(c.name)
}

// scheduleRestart implements exponential crash backoff: 3s, 6s, 12s, 24s,
// 48s (capped at 60s), giving up after 5 attempts.
func (s *Supervisor) scheduleRestart(name string) {
	s.mu.Lock()
	attempts := s.attempts[name]
	if attempts >= maxCrashRetries {
		s.mu.Unlock()
		slog.Error("mind crash limit reached, giving up", "mind", name, "attempts", attempts)
		if !strings.Contains(name, "@") {
			s.reg.SetRunning(name, false)
		}
		s.publish(protocol.ActivityMindStopped, name, "crash limit reached")
		return
	}

	delay := crashBaseDelay << attempts
	if delay > crashMaxDelay {
		delay = crashMaxDelay
	}
	s.attempts[name] = attempts + 1
	s.saveAttemptsLocked()

	slog.Info("scheduling crash restart", "mind", name, "attempt", attempts+1, "delay", delay)
	s.crashTimers[name] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.crashTimers, name)
		shutdown := s.shuttingDown
		s.mu.Unlock()
		if shutdown {
			return
		}
		if err := s.StartMind(name); err != nil {
			slog.Warn("crash restart failed", "mind", name, "error", err)
			s.scheduleRestart(name)
		}
	})
	s.mu.Unlock()
}

// StopMind terminates a tracked mind: SIGTERM to its process group, SIGKILL
// after 5 seconds.
func (s *Supervisor) StopMind(name string) error {
	s.mu.Lock()
	c, ok := s.children[name]
	if !ok {
		if t, exists := s.crashTimers[name]; exists {
			t.Stop()
			delete(s.crashTimers, name)
		}
		shutdown := s.shuttingDown
		s.mu.Unlock()
		if shutdown {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrNotRunning, name)
	}
	c.stopping = true
	delete(s.attempts, name)
	s.saveAttemptsLocked()
	s.mu.Unlock()

	killGroup(c.cmd.Process.Pid, stopTimeout)
	<-c.exited

	s.mu.Lock()
	delete(s.children, name)
	s.mu.Unlock()

	s.removePIDFile(name)
	if base, _, isVariant := strings.Cut(name, "@"); !isVariant {
		if err := s.reg.SetRunning(base, false); err != nil {
			slog.Warn("registry running flag", "mind", base, "error", err)
		}
	}
	slog.Info("mind stopped", "mind", name)
	s.publish(protocol.ActivityMindStopped, name, "")
	return nil
}

// RestartMind is stop then start.
func (s *Supervisor) RestartMind(name string) error {
	if err := s.StopMind(name); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return s.StartMind(name)
}

// StopAll signals shutdown and stops every tracked mind in parallel.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.shuttingDown = true
	names := make([]string, 0, len(s.children))
	for name := range s.children {
		names = append(names, name)
	}
	for name, t := range s.crashTimers {
		t.Stop()
		delete(s.crashTimers, name)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			s.StopMind(n)
		}(name)
	}
	wg.Wait()
}

// deliverPendingContext posts the stored context object to a freshly
// started mind as a system message. Failures are logged, never propagated.
func (s *Supervisor) deliverPendingContext(name string, port int) {
	s.mu.Lock()
	ctx, ok := s.pending[name]
	if ok {
		delete(s.pending, name)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	detail, err := json.Marshal(ctx)
	if err != nil {
		slog.Warn("pending context marshal failed", "mind", name, "error", err)
		return
	}
	req := protocol.MessageRequest{
		Content: []protocol.ContentBlock{protocol.TextBlock(
			"You have been restarted with pending context:\n" + string(detail))},
		Channel: protocol.ChannelDaemon,
		Sender:  "daemon",
	}
	body, _ := json.Marshal(req)

	resp, err := s.client.Post(
		fmt.Sprintf("http://127.0.0.1:%d/message", port),
		"application/json", bytes.NewReader(body))
	if err != nil {
		slog.Warn("pending context delivery failed", "mind", name, "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	slog.Info("pending context delivered", "mind", name)
}

// chownToMindUser hands state directories to the configured mind user when
// OS-user isolation is on.
func (s *Supervisor) chownToMindUser(dirs ...string) {
	if s.cfg.MindUser == "" {
		return
	}
	u, err := user.Lookup(s.cfg.MindUser)
	if err != nil {
		slog.Warn("mind user lookup failed, skipping chown", "user", s.cfg.MindUser, "error", err)
		return
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	for _, dir := range dirs {
		if err := os.Chown(dir, uid, gid); err != nil {
			slog.Warn("chown failed", "dir", dir, "error", err)
		}
	}
}

func (s *Supervisor) attemptsPath() string { return s.cfg.DaemonPath("crash-attempts.json") }

func (s *Supervisor) loadAttempts() {
	data, err := os.ReadFile(s.attemptsPath())
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &s.attempts); err != nil {
		slog.Warn("crash counters corrupt, resetting", "error", err)
		s.attempts = make(map[string]int)
	}
}

func (s *Supervisor) saveAttemptsLocked() {
	data, err := json.MarshalIndent(s.attempts, "", "  ")
	if err != nil {
		return
	}
	if err := config.WriteFileAtomic(s.attemptsPath(), data, 0o644); err != nil {
		slog.Warn("crash counters write failed", "error", err)
	}
}
