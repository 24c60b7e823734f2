package autofix

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/autoloop/pkg/job"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []RemediationRequest
}

func (d *fakeDispatcher) DispatchFix(ctx context.Context, req RemediationRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *fakeDispatcher) last() RemediationRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[len(d.requests)-1]
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *fakeNotifier) lastMessage() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1]
}

func failedRecord(typ job.Type, failing ...string) job.Record {
	return job.Record{
		ID:        "job-" + typ.String(),
		Type:      typ,
		ProjectID: "proj-1",
		Status:    job.StatusFailed,
		Summary: &job.Summary{
			Failed:       len(failing),
			FailingTests: failing,
			ErrorText:    "assertion failed",
		},
	}
}

func passedRecord(typ job.Type) job.Record {
	return job.Record{
		ID:     "job-" + typ.String(),
		Type:   typ,
		Status: job.StatusSucceeded,
	}
}

func newTestLoop(opts ...Option) (*Loop, *fakeDispatcher, *fakeNotifier) {
	d := &fakeDispatcher{}
	n := &fakeNotifier{}
	l := NewLoop(d, n, opts...)
	l.Focus("proj-1")
	return l, d, n
}

func TestLoop_AutomationFailureStartsSession(t *testing.T) {
	l, d, _ := newTestLoop()

	l.HandleResult(context.Background(),
		[]job.Record{failedRecord(job.TypeFrontendTest, "auth.spec.ts::login")},
		job.OriginAutomation)

	require.Equal(t, 1, d.count())
	req := d.last()
	assert.Equal(t, "proj-1", req.ProjectID)
	assert.Equal(t, 1, req.Attempt)
	require.Len(t, req.Items, 1)
	assert.Equal(t, "Frontend tests", req.Items[0].Label)

	s := l.Snapshot()
	assert.True(t, s.Active)
	assert.Equal(t, StateFixing, s.State)
	assert.Equal(t, job.OriginAutomation, s.Origin)
}

func TestLoop_ManualFailureNeverDispatches(t *testing.T) {
	l, d, n := newTestLoop()

	l.HandleResult(context.Background(),
		[]job.Record{failedRecord(job.TypeBackendTest, "api_test.go::TestAuth")},
		job.OriginUser)

	assert.Zero(t, d.count())
	assert.Contains(t, n.lastMessage(), "Backend tests")
	assert.False(t, l.Snapshot().Active)
}

func TestLoop_RepeatedFingerprintHalts(t *testing.T) {
	l, d, n := newTestLoop()
	ctx := context.Background()

	fail := []job.Record{failedRecord(job.TypeFrontendTest, "auth.spec.ts::login")}
	l.HandleResult(ctx, fail, job.OriginAutomation)
	require.Equal(t, 1, d.count())

	l.FixCompleted()
	// The fix changed nothing: same failing test, same error.
	l.HandleResult(ctx, fail, job.OriginAutomation)

	assert.Equal(t, 1, d.count(), "no second dispatch on an unchanged failure")
	s := l.Snapshot()
	assert.Equal(t, StateHalted, s.State)
	assert.False(t, s.Active)
	assert.Contains(t, n.lastMessage(), "came back unchanged")
}

func TestLoop_FingerprintIgnoresNoise(t *testing.T) {
	a := FingerprintOf([]Failure{{
		Type:         job.TypeFrontendTest,
		FailingTests: []string{"b.spec.ts::two", "a.spec.ts::one"},
		Report:       "FAIL /home/user/proj/src/auth.ts:42 took 113ms",
	}})
	b := FingerprintOf([]Failure{{
		Type:         job.TypeFrontendTest,
		FailingTests: []string{"a.spec.ts::one", "b.spec.ts::two"},
		Report:       "FAIL /tmp/build-9821/src/auth.ts:57 took 98ms",
	}})
	assert.Equal(t, a, b, "ordering, paths and numbers must not matter")

	c := FingerprintOf([]Failure{{
		Type:         job.TypeFrontendTest,
		FailingTests: []string{"a.spec.ts::one"},
		Report:       "FAIL auth.ts",
	}})
	assert.NotEqual(t, a, c)
}

func TestLoop_AttemptCapHalts(t *testing.T) {
	l, d, n := newTestLoop(WithMaxAttempts(2))
	ctx := context.Background()

	l.HandleResult(ctx, []job.Record{failedRecord(job.TypeFrontendTest, "one")}, job.OriginAutomation)
	l.FixCompleted()
	l.HandleResult(ctx, []job.Record{failedRecord(job.TypeFrontendTest, "two")}, job.OriginAutomation)
	l.FixCompleted()
	require.Equal(t, 2, d.count())

	// A third, different failure would need attempt 3; the cap is 2.
	l.HandleResult(ctx, []job.Record{failedRecord(job.TypeFrontendTest, "three")}, job.OriginAutomation)

	assert.Equal(t, 2, d.count())
	assert.Equal(t, StateHalted, l.Snapshot().State)
	assert.Contains(t, n.lastMessage(), "attempt limit")
}

func TestLoop_SuccessEndsSession(t *testing.T) {
	l, d, n := newTestLoop()
	ctx := context.Background()

	l.HandleResult(ctx, []job.Record{failedRecord(job.TypeFrontendTest, "one")}, job.OriginAutomation)
	l.FixCompleted()
	l.HandleResult(ctx, []job.Record{passedRecord(job.TypeFrontendTest)}, job.OriginAutomation)

	assert.Equal(t, 1, d.count())
	assert.Contains(t, n.lastMessage(), "All checks pass")
	s := l.Snapshot()
	assert.False(t, s.Active)
	assert.Equal(t, StateIdle, s.State)
	assert.Zero(t, s.Attempt)
}

func cancelledRecord(typ job.Type) job.Record {
	return job.Record{
		ID:     "job-" + typ.String(),
		Type:   typ,
		Status: job.StatusCancelled,
	}
}

func TestLoop_CancelledRoundLeavesSessionOpen(t *testing.T) {
	l, d, n := newTestLoop()
	ctx := context.Background()

	l.HandleResult(ctx, []job.Record{failedRecord(job.TypeFrontendTest, "one")}, job.OriginAutomation)
	l.FixCompleted()
	require.Equal(t, StateAwaitingResult, l.Snapshot().State)

	// The verification run was cancelled: nothing passed, so the session
	// must not end and no all-pass message may appear.
	l.HandleResult(ctx, []job.Record{cancelledRecord(job.TypeFrontendTest)}, job.OriginAutomation)

	s := l.Snapshot()
	assert.True(t, s.Active)
	assert.Equal(t, StateAwaitingResult, s.State)
	assert.Equal(t, 1, d.count())
	assert.NotContains(t, n.lastMessage(), "All checks pass")
}

func TestLoop_CancelledUserRoundReportsNothing(t *testing.T) {
	l, d, n := newTestLoop()

	l.HandleResult(context.Background(),
		[]job.Record{cancelledRecord(job.TypeBackendTest)}, job.OriginUser)

	assert.Zero(t, d.count())
	assert.Empty(t, n.lastMessage())
	assert.False(t, l.Snapshot().Active)
}

func TestLoop_HaltedIgnoresAutomationUntilUserActs(t *testing.T) {
	l, d, _ := newTestLoop()
	ctx := context.Background()

	fail := []job.Record{failedRecord(job.TypeBackendBuild)}
	l.HandleResult(ctx, fail, job.OriginAutomation)
	l.FixCompleted()
	l.HandleResult(ctx, fail, job.OriginAutomation)
	require.Equal(t, StateHalted, l.Snapshot().State)

	// Automation keeps failing; the breaker stays open.
	l.HandleResult(ctx, fail, job.OriginAutomation)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, StateHalted, l.Snapshot().State)

	// A fresh user run resets the breaker.
	l.HandleResult(ctx, fail, job.OriginUser)
	assert.Equal(t, StateIdle, l.Snapshot().State)
}

func TestLoop_RequestFixExitsHaltedWithUserOrigin(t *testing.T) {
	l, d, _ := newTestLoop()
	ctx := context.Background()

	fail := []job.Record{failedRecord(job.TypeFrontendTest, "one")}
	l.HandleResult(ctx, fail, job.OriginAutomation)
	l.FixCompleted()
	l.HandleResult(ctx, fail, job.OriginAutomation)
	require.Equal(t, StateHalted, l.Snapshot().State)

	l.RequestFix(ctx, []Failure{{Type: job.TypeFrontendTest, FailingTests: []string{"one"}}})

	assert.Equal(t, 2, d.count())
	s := l.Snapshot()
	assert.True(t, s.Active)
	assert.Equal(t, job.OriginUser, s.Origin)
	assert.Equal(t, 1, s.Attempt)
	assert.Equal(t, StateFixing, s.State)
}

func TestLoop_CoverageGateFailureClassified(t *testing.T) {
	rec := job.Record{
		ID:     "job-cov",
		Type:   job.TypeFrontendTest,
		Status: job.StatusSucceeded,
		Summary: &job.Summary{
			Passed: 40,
			Coverage: &job.CoverageSummary{
				Totals:         map[string]float64{"lines": 61.0},
				Thresholds:     map[string]float64{"lines": 70},
				UncoveredLines: []string{"src/auth.ts:40", "src/auth.ts:12"},
			},
		},
	}

	f := FailureFromRecord(rec)
	require.NotNil(t, f)
	assert.True(t, f.CoverageGate)

	l, d, _ := newTestLoop()
	l.HandleResult(context.Background(), []job.Record{rec}, job.OriginAutomation)
	require.Equal(t, 1, d.count())
	assert.Equal(t, []string{"frontend:test"}, d.last().CoverageTargets)
}

func TestLoop_FocusDestroysSession(t *testing.T) {
	l, _, _ := newTestLoop()
	l.HandleResult(context.Background(),
		[]job.Record{failedRecord(job.TypeFrontendTest, "one")}, job.OriginAutomation)
	require.True(t, l.Snapshot().Active)

	l.Focus("proj-2")
	s := l.Snapshot()
	assert.False(t, s.Active)
	assert.Equal(t, "proj-2", s.ProjectID)
	assert.Equal(t, StateIdle, s.State)
}
