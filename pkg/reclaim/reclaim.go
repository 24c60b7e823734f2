// Package reclaim frees ports and processes left behind by a prior run
// before a new run starts.
//
// The manager guarantees that any process bound to a project's dev ports is
// terminated before work begins, with two safety rails: host-reserved ports
// are never touched, and the manager refuses to terminate its own host
// process no matter what a scan reports.
package reclaim

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Manager terminates stale processes and waits for ports to free.
type Manager struct {
	hostPID  int
	reserved map[int]bool
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithHostPID overrides the protected host pid. Used in tests.
func WithHostPID(pid int) Option {
	return func(m *Manager) { m.hostPID = pid }
}

// WithReservedPorts marks ports that are permanently held by the host
// process and must never be targeted for termination.
func WithReservedPorts(ports ...int) Option {
	return func(m *Manager) {
		for _, p := range ports {
			m.reserved[p] = true
		}
	}
}

// New builds a Manager. The current process is the protected host pid
// unless overridden.
func New(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		hostPID:  os.Getpid(),
		reserved: make(map[int]bool),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsReserved reports whether port is host-reserved.
func (m *Manager) IsReserved(port int) bool {
	return m.reserved[port]
}

// KillProcessTree terminates pid and its descendants by signalling the
// process group: SIGTERM first, SIGKILL after a short grace period.
//
// If pid equals the host process id the call logs a warning and returns
// nil without signalling anything.
func (m *Manager) KillProcessTree(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	if pid == m.hostPID {
		m.logger.Warn("refusing to kill protected host process",
			zap.Int("pid", pid))
		return nil
	}

	// Negative pid targets the whole process group. Jobs are spawned with
	// Setpgid, so the group id matches the child pid.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// No such group: fall back to the single process.
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			if err == syscall.ESRCH {
				return nil
			}
			return fmt.Errorf("signal term pid %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
	return nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without sending a signal.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}

// LsofFindPids looks up pids bound to a local TCP port via lsof.
func LsofFindPids(port int) ([]int, error) {
	out, err := exec.Command("lsof", "-ti", "tcp:"+strconv.Itoa(port)).Output()
	if err != nil {
		// lsof exits non-zero when nothing is listening.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(out) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof port %d: %w", port, err)
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
