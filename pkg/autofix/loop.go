// Package autofix drives the automatic remediation loop: after a failing
// automation run it dispatches a fix request, re-checks the result, and
// stops itself on an attempt cap or when the same failure comes back
// unchanged.
package autofix

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/driftworks/autoloop/pkg/job"
)

// State is the loop state for the focused project.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingResult State = "awaiting-result"
	StateFixing         State = "fixing"
	StateHalted         State = "halted"
)

// Session is the per-project fix session. Created on project focus,
// destroyed on success, halt or project switch. Mutated only by the loop;
// Snapshot returns copies.
type Session struct {
	ProjectID       string
	Active          bool
	Origin          job.Origin
	Attempt         int
	MaxAttempts     int
	State           State
	LastFingerprint Fingerprint
	CoverageTargets []string
}

// RemediationItem is one failing type in a fix request.
type RemediationItem struct {
	Type         job.Type `json:"type"`
	Label        string   `json:"label"`
	Kind         job.Kind `json:"kind"`
	FailingTests []string `json:"failing_tests,omitempty"`
	ErrorText    string   `json:"error_text,omitempty"`
	Uncovered    []string `json:"uncovered,omitempty"`
	CoverageGate bool     `json:"coverage_gate,omitempty"`
}

// RemediationRequest is the single event dispatched per fix attempt. It
// bundles every failing type plus the coverage targets already attempted
// this session so the fixer does not circle the same spots.
type RemediationRequest struct {
	ProjectID       string            `json:"project_id"`
	Attempt         int               `json:"attempt"`
	Items           []RemediationItem `json:"items"`
	CoverageTargets []string          `json:"coverage_targets,omitempty"`
}

// Dispatcher delivers fix requests to the remediation agent.
type Dispatcher interface {
	DispatchFix(ctx context.Context, req RemediationRequest)
}

// Notifier surfaces user-facing loop messages. The loop never returns
// errors; everything a user must know goes through here.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Classifier decides whether a terminal record counts as a failure.
type Classifier func(rec job.Record) *Failure

const defaultMaxAttempts = 3

// Loop owns the fix session for the focused project.
type Loop struct {
	dispatcher  Dispatcher
	notifier    Notifier
	classify    Classifier
	maxAttempts int
	logger      *zap.Logger

	mu      sync.Mutex
	session Session
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxAttempts sets the attempt cap per session.
func WithMaxAttempts(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithClassifier replaces the failure classifier.
func WithClassifier(c Classifier) Option {
	return func(l *Loop) { l.classify = c }
}

// WithLogger sets the loop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop builds an idle loop with no focused project.
func NewLoop(d Dispatcher, n Notifier, opts ...Option) *Loop {
	l := &Loop{
		dispatcher:  d,
		notifier:    n,
		classify:    FailureFromRecord,
		maxAttempts: defaultMaxAttempts,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.session = Session{State: StateIdle, MaxAttempts: l.maxAttempts}
	return l
}

// Focus switches the loop to a project, destroying any previous session.
func (l *Loop) Focus(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.session = Session{
		ProjectID:   projectID,
		State:       StateIdle,
		MaxAttempts: l.maxAttempts,
	}
}

// Snapshot returns a copy of the current session.
func (l *Loop) Snapshot() Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.session
	s.CoverageTargets = append([]string(nil), l.session.CoverageTargets...)
	return s
}

// RequestFix is the explicit user "fix with AI" action. It starts (or
// restarts, from halted) a session with user origin and dispatches the
// first attempt.
func (l *Loop) RequestFix(ctx context.Context, failures []Failure) {
	if len(failures) == 0 {
		l.notifier.Notify(ctx, "Nothing to fix: no failing checks.")
		return
	}

	l.mu.Lock()
	l.session.Active = true
	l.session.Origin = job.OriginUser
	l.session.Attempt = 1
	l.session.State = StateFixing
	l.session.LastFingerprint = FingerprintOf(failures)
	l.absorbCoverageTargets(failures)
	req := l.buildRequest(failures)
	l.mu.Unlock()

	l.logger.Info("fix requested by user",
		zap.String("project_id", req.ProjectID),
		zap.Int("attempt", req.Attempt))
	l.dispatcher.DispatchFix(ctx, req)
}

// FixCompleted marks the dispatched fix as applied; the loop now waits for
// the verification runs to report back.
func (l *Loop) FixCompleted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session.State == StateFixing {
		l.session.State = StateAwaitingResult
	}
}

// HandleResult consumes one completed round of tracked runs.
//
// Manual runs never auto-trigger a fix; a fresh user run is also the way
// out of halted. Automation failures start or continue the session, halting
// on the attempt cap or on a fingerprint identical to the previous round.
// A cancelled run makes the round inconclusive: it is neither a pass nor a
// failure, so a round with cancellations and no failures changes nothing.
func (l *Loop) HandleResult(ctx context.Context, recs []job.Record, origin job.Origin) {
	failures := make([]Failure, 0, len(recs))
	cancelled := false
	for _, rec := range recs {
		if rec.Status == job.StatusCancelled {
			cancelled = true
			continue
		}
		if f := l.classify(rec); f != nil {
			failures = append(failures, *f)
		}
	}
	if len(failures) == 0 && cancelled {
		l.logger.Debug("ignoring inconclusive round with cancelled runs")
		return
	}

	if origin == job.OriginUser {
		l.handleUserResult(ctx, failures)
		return
	}
	l.handleAutomationResult(ctx, failures)
}

func (l *Loop) handleUserResult(ctx context.Context, failures []Failure) {
	l.mu.Lock()
	wasHalted := l.session.State == StateHalted
	wasActive := l.session.Active

	if wasHalted {
		// A fresh user run resets the breaker.
		l.resetLocked()
	}
	if len(failures) == 0 && wasActive {
		l.resetLocked()
		l.mu.Unlock()
		l.notifier.Notify(ctx, "All checks pass. Automatic fixing is done.")
		return
	}
	l.mu.Unlock()

	if len(failures) > 0 {
		l.notifier.Notify(ctx, describeFailures(failures))
	}
}

func (l *Loop) handleAutomationResult(ctx context.Context, failures []Failure) {
	l.mu.Lock()

	if l.session.State == StateHalted {
		l.mu.Unlock()
		l.logger.Debug("ignoring automation result while halted")
		return
	}

	if len(failures) == 0 {
		if !l.session.Active {
			l.mu.Unlock()
			return
		}
		l.resetLocked()
		l.mu.Unlock()
		l.notifier.Notify(ctx, "All checks pass. Automatic fixing is done.")
		return
	}

	fp := FingerprintOf(failures)

	if !l.session.Active {
		// First automation failure starts the session.
		l.session.Active = true
		l.session.Origin = job.OriginAutomation
		l.session.Attempt = 1
		l.session.State = StateFixing
		l.session.LastFingerprint = fp
		l.absorbCoverageTargets(failures)
		req := l.buildRequest(failures)
		l.mu.Unlock()
		l.dispatcher.DispatchFix(ctx, req)
		return
	}

	if l.session.State == StateFixing {
		// Result from an untracked run while a fix is still in flight.
		l.mu.Unlock()
		l.logger.Debug("ignoring result while a fix is in flight")
		return
	}

	if fp == l.session.LastFingerprint {
		attempt := l.session.Attempt
		l.haltLocked()
		l.mu.Unlock()
		l.notifier.Notify(ctx,
			"Automatic fixing stopped: the same failure came back unchanged after the last fix. A fresh run or an explicit fix request restarts it.")
		l.logger.Warn("fix loop halted on repeated fingerprint", zap.Int("attempt", attempt))
		return
	}
	if l.session.Attempt >= l.session.MaxAttempts {
		attempts := l.session.Attempt
		l.haltLocked()
		l.mu.Unlock()
		l.notifier.Notify(ctx,
			"Automatic fixing stopped after reaching the attempt limit. A fresh run or an explicit fix request restarts it.")
		l.logger.Warn("fix loop halted on attempt cap", zap.Int("attempts", attempts))
		return
	}

	l.session.Attempt++
	l.session.State = StateFixing
	l.session.LastFingerprint = fp
	l.absorbCoverageTargets(failures)
	req := l.buildRequest(failures)
	l.mu.Unlock()

	l.logger.Info("dispatching next fix attempt", zap.Int("attempt", req.Attempt))
	l.dispatcher.DispatchFix(ctx, req)
}

// resetLocked ends the session, keeping project focus. Caller holds mu.
func (l *Loop) resetLocked() {
	l.session = Session{
		ProjectID:   l.session.ProjectID,
		State:       StateIdle,
		MaxAttempts: l.maxAttempts,
	}
}

// haltLocked trips the breaker. Caller holds mu.
func (l *Loop) haltLocked() {
	l.session.Active = false
	l.session.State = StateHalted
}

func (l *Loop) absorbCoverageTargets(failures []Failure) {
	seen := make(map[string]bool, len(l.session.CoverageTargets))
	for _, t := range l.session.CoverageTargets {
		seen[t] = true
	}
	for _, f := range failures {
		if !f.CoverageGate {
			continue
		}
		if t := f.Type.String(); !seen[t] {
			seen[t] = true
			l.session.CoverageTargets = append(l.session.CoverageTargets, t)
		}
	}
	sort.Strings(l.session.CoverageTargets)
}

// buildRequest assembles the remediation request. Caller holds mu.
func (l *Loop) buildRequest(failures []Failure) RemediationRequest {
	items := make([]RemediationItem, 0, len(failures))
	for _, f := range failures {
		items = append(items, RemediationItem{
			Type:         f.Type,
			Label:        f.Type.Label(),
			Kind:         f.Type.Kind,
			FailingTests: append([]string(nil), f.FailingTests...),
			ErrorText:    f.ErrorText,
			Uncovered:    append([]string(nil), f.Uncovered...),
			CoverageGate: f.CoverageGate,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Type.String() < items[j].Type.String()
	})
	return RemediationRequest{
		ProjectID:       l.session.ProjectID,
		Attempt:         l.session.Attempt,
		Items:           items,
		CoverageTargets: append([]string(nil), l.session.CoverageTargets...),
	}
}

func describeFailures(failures []Failure) string {
	labels := make([]string, 0, len(failures))
	for _, f := range failures {
		label := f.Type.Label()
		if f.CoverageGate {
			label += " (coverage below threshold)"
		}
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return "Checks failed: " + strings.Join(labels, ", ") + "."
}
