package reclaim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WaitOptions controls a WaitForPortsToFree call. Timeout and Interval are
// required; there are no hidden defaults.
type WaitOptions struct {
	// Timeout bounds the whole wait across all ports.
	Timeout time.Duration

	// Interval is the delay between occupancy checks for a port.
	Interval time.Duration

	// FindPids looks up pids currently bound to a port. Defaults to
	// LsofFindPids.
	FindPids func(port int) ([]int, error)

	// TerminatePid removes an occupying pid. Defaults to KillProcessTree.
	TerminatePid func(pid int) error
}

// WaitForPortsToFree terminates whatever occupies the given ports and waits
// until every non-reserved port is free.
//
// Reserved ports are skipped entirely: FindPids and TerminatePid are never
// invoked for them and they count as already free. Lookup and termination
// failures on one port never abort the others; they degrade to "still
// occupied, retry next tick". Only the overall timeout produces false.
func (m *Manager) WaitForPortsToFree(ctx context.Context, ports []int, opts WaitOptions) (bool, error) {
	if opts.Timeout <= 0 {
		return false, fmt.Errorf("wait timeout is required")
	}
	if opts.Interval <= 0 {
		return false, fmt.Errorf("wait interval is required")
	}
	findPids := opts.FindPids
	if findPids == nil {
		findPids = LsofFindPids
	}
	terminate := opts.TerminatePid
	if terminate == nil {
		terminate = m.KillProcessTree
	}

	targets := make([]int, 0, len(ports))
	for _, port := range ports {
		if m.IsReserved(port) {
			m.logger.Debug("skipping reserved port", zap.Int("port", port))
			continue
		}
		targets = append(targets, port)
	}
	if len(targets) == 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	// Ports are scanned concurrently; each port's retry sequence is
	// sequential so a stuck port only costs the shared timeout.
	results := make([]bool, len(targets))
	var wg sync.WaitGroup
	for i, port := range targets {
		wg.Add(1)
		go func(slot int, port int) {
			defer wg.Done()
			results[slot] = m.waitForPort(ctx, port, opts.Interval, findPids, terminate)
		}(i, port)
	}
	wg.Wait()

	for i, freed := range results {
		if !freed {
			m.logger.Warn("port still occupied after timeout",
				zap.Int("port", targets[i]),
				zap.Duration("timeout", opts.Timeout))
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) waitForPort(ctx context.Context, port int, interval time.Duration, findPids func(int) ([]int, error), terminate func(int) error) bool {
	for {
		pids, err := findPids(port)
		if err == nil && len(pids) == 0 {
			return true
		}
		if err != nil {
			m.logger.Debug("port lookup failed, retrying",
				zap.Int("port", port), zap.Error(err))
		}
		for _, pid := range pids {
			if err := terminate(pid); err != nil {
				m.logger.Debug("terminate failed, retrying",
					zap.Int("port", port), zap.Int("pid", pid), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}
