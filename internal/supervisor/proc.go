package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// processAlive tests PID liveness with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// processCmdline returns the command line of a running process, space
// joined, or "" when unreadable.
func processCmdline(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err == nil {
		return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
	}
	// /proc is Linux-only; ps works everywhere the daemon runs.
	out, err := exec.Command("ps", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// isMindProcess checks that a PID's command line references the expected
// mind entrypoint. Both the port-collision and stale-PID paths require this
// before any kill, so a recycled PID never takes down an unrelated process.
func isMindProcess(pid int, entrypoint string) bool {
	cmdline := processCmdline(pid)
	return cmdline != "" && strings.Contains(cmdline, entrypoint)
}

// portOwner resolves the PID listening on a local TCP port, or 0.
func portOwner(port int) int {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 {
			return pid
		}
	}
	return 0
}

// killGroup terminates a process group: SIGTERM, then SIGKILL after wait.
// The PID itself is signalled too, in case the child never got its own
// group.
func killGroup(pid int, wait time.Duration) {
	if pid <= 0 {
		return
	}
	syscall.Kill(-pid, syscall.SIGTERM)
	syscall.Kill(pid, syscall.SIGTERM)

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	syscall.Kill(-pid, syscall.SIGKILL)
	syscall.Kill(pid, syscall.SIGKILL)
}
