package reclaim

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestKillProcessTree_RefusesHostPid(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := New(zap.New(core), WithHostPID(4242))

	if err := m.KillProcessTree(4242); err != nil {
		t.Fatalf("KillProcessTree(hostPid) error: %v", err)
	}

	warnings := logs.FilterMessage("refusing to kill protected host process").All()
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one protected-pid warning, got %d", len(warnings))
	}
}

func TestKillProcessTree_InvalidPid(t *testing.T) {
	m := New(zap.NewNop())
	if err := m.KillProcessTree(0); err == nil {
		t.Fatal("expected error for pid 0")
	}
	if err := m.KillProcessTree(-5); err == nil {
		t.Fatal("expected error for negative pid")
	}
}

func TestWaitForPortsToFree_AlreadyFree(t *testing.T) {
	m := New(zap.NewNop())

	var terminations int32
	ok, err := m.WaitForPortsToFree(context.Background(), []int{6100, 6101}, WaitOptions{
		Timeout:  time.Second,
		Interval: 10 * time.Millisecond,
		FindPids: func(port int) ([]int, error) { return nil, nil },
		TerminatePid: func(pid int) error {
			atomic.AddInt32(&terminations, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("WaitForPortsToFree error: %v", err)
	}
	if !ok {
		t.Fatal("expected true for already-free ports")
	}
	if n := atomic.LoadInt32(&terminations); n != 0 {
		t.Fatalf("expected zero termination calls, got %d", n)
	}
}

func TestWaitForPortsToFree_StuckPortTimesOut(t *testing.T) {
	m := New(zap.NewNop())

	var lookups, terminations int32
	ok, err := m.WaitForPortsToFree(context.Background(), []int{6200}, WaitOptions{
		Timeout:  20 * time.Millisecond,
		Interval: 5 * time.Millisecond,
		FindPids: func(port int) ([]int, error) {
			atomic.AddInt32(&lookups, 1)
			return []int{99999}, nil
		},
		TerminatePid: func(pid int) error {
			atomic.AddInt32(&terminations, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("WaitForPortsToFree error: %v", err)
	}
	if ok {
		t.Fatal("expected false for permanently occupied port")
	}
	if atomic.LoadInt32(&lookups) == 0 {
		t.Fatal("expected FindPids to be invoked")
	}
	if atomic.LoadInt32(&terminations) == 0 {
		t.Fatal("expected TerminatePid to be invoked")
	}
}

func TestWaitForPortsToFree_ReservedPortsSkipped(t *testing.T) {
	m := New(zap.NewNop(), WithReservedPorts(5173))

	ok, err := m.WaitForPortsToFree(context.Background(), []int{5173}, WaitOptions{
		Timeout:  10 * time.Millisecond,
		Interval: 2 * time.Millisecond,
		FindPids: func(port int) ([]int, error) {
			t.Errorf("FindPids called for reserved port %d", port)
			return nil, nil
		},
		TerminatePid: func(pid int) error {
			t.Errorf("TerminatePid called for reserved port occupant %d", pid)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("WaitForPortsToFree error: %v", err)
	}
	if !ok {
		t.Fatal("reserved port should count as already free")
	}
}

func TestWaitForPortsToFree_ReservedNeverTargetedEvenWhenOccupied(t *testing.T) {
	m := New(zap.NewNop(), WithReservedPorts(5173))

	// 5173 is genuinely occupied, but reserved; 6300 frees after one
	// termination round.
	var freed int32
	ok, err := m.WaitForPortsToFree(context.Background(), []int{5173, 6300}, WaitOptions{
		Timeout:  200 * time.Millisecond,
		Interval: 5 * time.Millisecond,
		FindPids: func(port int) ([]int, error) {
			if port != 6300 {
				t.Errorf("unexpected port lookup: %d", port)
			}
			if atomic.LoadInt32(&freed) == 1 {
				return nil, nil
			}
			return []int{12345}, nil
		},
		TerminatePid: func(pid int) error {
			atomic.StoreInt32(&freed, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("WaitForPortsToFree error: %v", err)
	}
	if !ok {
		t.Fatal("expected true once non-reserved port freed")
	}
}

func TestWaitForPortsToFree_LookupErrorDegradesToRetry(t *testing.T) {
	m := New(zap.NewNop())

	var calls int32
	ok, err := m.WaitForPortsToFree(context.Background(), []int{6400}, WaitOptions{
		Timeout:  500 * time.Millisecond,
		Interval: 5 * time.Millisecond,
		FindPids: func(port int) ([]int, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, context.DeadlineExceeded
			}
			return nil, nil
		},
		TerminatePid: func(pid int) error { return nil },
	})
	if err != nil {
		t.Fatalf("WaitForPortsToFree error: %v", err)
	}
	if !ok {
		t.Fatal("expected recovery after transient lookup errors")
	}
}

func TestWaitForPortsToFree_RequiresExplicitTimings(t *testing.T) {
	m := New(zap.NewNop())

	if _, err := m.WaitForPortsToFree(context.Background(), []int{6500}, WaitOptions{Interval: time.Millisecond}); err == nil {
		t.Fatal("expected error for missing timeout")
	}
	if _, err := m.WaitForPortsToFree(context.Background(), []int{6500}, WaitOptions{Timeout: time.Millisecond}); err == nil {
		t.Fatal("expected error for missing interval")
	}
}
