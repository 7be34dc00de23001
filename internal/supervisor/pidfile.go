package supervisor

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/voluteio/volute/internal/config"
)

// pidFilePath returns <state>/<mind>/mind.pid.
func (s *Supervisor) pidFilePath(name string) string {
	return filepath.Join(s.cfg.MindStateDir(name), "mind.pid")
}

func (s *Supervisor) writePIDFile(name string, pid int) error {
	path := s.pidFilePath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return config.WriteFileAtomic(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (s *Supervisor) removePIDFile(name string) {
	os.Remove(s.pidFilePath(name))
}

// reconcilePIDFile handles a leftover mind.pid from a previous daemon run.
// An unparseable or dead PID just clears the file. A live PID is killed only
// after its command line confirms it is actually a mind process; PID reuse
// by an unrelated program must never get it killed.
func (s *Supervisor) reconcilePIDFile(name string) {
	path := s.pidFilePath(name)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		slog.Warn("stale pid file unparseable, removing", "mind", name, "path", path)
		os.Remove(path)
		return
	}

	if !processAlive(pid) {
		os.Remove(path)
		return
	}

	if !isMindProcess(pid, s.entrypoint) {
		slog.Warn("pid file points at a non-mind process, leaving it alone",
			"mind", name, "pid", pid, "cmdline", processCmdline(pid))
		os.Remove(path)
		return
	}

	slog.Info("killing orphaned mind process", "mind", name, "pid", pid)
	killGroup(pid, 3*time.Second)
	os.Remove(path)
}
