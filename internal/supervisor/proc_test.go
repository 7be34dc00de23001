package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/voluteio/volute/internal/config"
	"github.com/voluteio/volute/internal/registry"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, registry.Open(cfg), func(eventType, mind, summary string) {})
}

// deadPID returns a PID that was real but has exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	return cmd.Process.Pid
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("own process reported dead")
	}
	if processAlive(deadPID(t)) {
		t.Error("exited process reported alive")
	}
}

func TestProcessCmdlineSelf(t *testing.T) {
	cmdline := processCmdline(os.Getpid())
	if cmdline == "" {
		t.Fatal("empty cmdline for own process")
	}
}

func TestIsMindProcessRejectsSelf(t *testing.T) {
	// The test binary's cmdline never contains the mind entrypoint.
	if isMindProcess(os.Getpid(), "volute-mind") {
		t.Error("test process misidentified as a mind")
	}
}

func writePID(t *testing.T, s *Supervisor, name string, content string) string {
	t.Helper()
	path := s.pidFilePath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReconcilePIDFile(t *testing.T) {
	t.Run("unparseable file is removed", func(t *testing.T) {
		s := testSupervisor(t)
		path := writePID(t, s, "ada", "not a pid\n")
		s.reconcilePIDFile("ada")
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("garbage pid file survived")
		}
	})

	t.Run("dead pid is removed", func(t *testing.T) {
		s := testSupervisor(t)
		path := writePID(t, s, "ada", strconv.Itoa(deadPID(t))+"\n")
		s.reconcilePIDFile("ada")
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("stale pid file survived")
		}
	})

	t.Run("live non-mind process is spared", func(t *testing.T) {
		s := testSupervisor(t)
		// Our own PID: alive, but its cmdline is not the mind entrypoint.
		// reconcile must clear the file without killing us.
		path := writePID(t, s, "ada", strconv.Itoa(os.Getpid())+"\n")
		s.reconcilePIDFile("ada")
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("pid file for reused pid survived")
		}
		// still alive to make this assertion
	})
}

func TestWritePIDFileRoundTrip(t *testing.T) {
	s := testSupervisor(t)
	if err := s.writePIDFile("ada", 12345); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.pidFilePath("ada"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "12345\n" {
		t.Errorf("pid file content = %q", data)
	}
	s.removePIDFile("ada")
	if _, err := os.Stat(s.pidFilePath("ada")); !os.IsNotExist(err) {
		t.Error("pid file survived removal")
	}
}

func TestResolveTarget(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.Open(cfg)
	if _, err := reg.Add("ada", 4100, registry.StageSprouted, ""); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddVariant("ada", registry.Variant{Name: "exp", Port: 4101, Path: "/tmp/ada-exp"}); err != nil {
		t.Fatal(err)
	}
	s := New(cfg, reg, func(string, string, string) {})

	dir, port, base, err := s.resolveTarget("ada")
	if err != nil || base != "ada" || port != 4100 || dir != cfg.MindDir("ada") {
		t.Errorf("base target = (%q, %d, %q, %v)", dir, port, base, err)
	}

	dir, port, base, err = s.resolveTarget("ada@exp")
	if err != nil || base != "ada" || port != 4101 || dir != "/tmp/ada-exp" {
		t.Errorf("variant target = (%q, %d, %q, %v)", dir, port, base, err)
	}

	if _, _, _, err := s.resolveTarget("ghost"); err == nil {
		t.Error("unknown mind resolved")
	}
	if _, _, _, err := s.resolveTarget("ada@ghost"); err == nil {
		t.Error("unknown variant resolved")
	}
}

func TestStartRefusedWhileStartReserved(t *testing.T) {
	s := testSupervisor(t)
	// A start in flight holds a reservation; a second caller must bounce
	// off it instead of spawning a duplicate.
	s.mu.Lock()
	s.starting["ada"] = true
	s.mu.Unlock()
	if err := s.StartMind("ada"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("start during in-flight start = %v, want ErrAlreadyRunning", err)
	}
}

func TestCrashBackoffDelays(t *testing.T) {
	tests := []struct {
		attempts int
		want     string
	}{
		{0, "3s"},
		{1, "6s"},
		{2, "12s"},
		{3, "24s"},
		{4, "48s"},
	}
	for _, tt := range tests {
		delay := crashBaseDelay << tt.attempts
		if delay > crashMaxDelay {
			delay = crashMaxDelay
		}
		if delay.String() != tt.want {
			t.Errorf("attempt %d delay = %v, want %v", tt.attempts, delay, tt.want)
		}
	}
}
