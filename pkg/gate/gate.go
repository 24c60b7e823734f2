// Package gate decides when a branch may be committed or merged and drives
// the commit path, including the one-shot stale-proof recovery.
//
// The gate never mutates branch state: it reads the state owned by the git
// collaborator and reports readiness with a human-readable reason.
package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	apperrors "github.com/driftworks/autoloop/internal/errors"
	"github.com/driftworks/autoloop/pkg/client"
	"github.com/driftworks/autoloop/pkg/job"
)

// BranchState is the collaborator-owned view of one branch.
type BranchState struct {
	Name            string
	Merged          bool
	Protected       bool
	StagedFiles     []string
	TestsRequired   bool
	LastTestStatus  job.Status
	LastTestSummary *job.Summary
	HasPassingProof bool
}

// Readiness is the gate's verdict for a branch. CommitReady and MergeReady
// are never both true.
type Readiness struct {
	CommitReady bool
	MergeReady  bool
	Tests       bool
	Coverage    bool
	Reason      string
}

// Config holds the gate's project-level settings.
type Config struct {
	TrunkBranch string
	// StyleOnlyPatterns are doublestar globs; a commit whose staged files
	// all match may proceed without a test proof.
	StyleOnlyPatterns []string
}

// Committer is the collaborator surface the commit path needs.
type Committer interface {
	CommitBranch(ctx context.Context, projectID string, req client.CommitRequest) error
	RecordTestProof(ctx context.Context, projectID string, req client.ProofRequest) error
}

// Gate evaluates readiness and performs commits.
type Gate struct {
	cfg       Config
	committer Committer
	logger    *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// New builds a Gate.
func New(cfg Config, committer Committer, opts ...Option) *Gate {
	g := &Gate{cfg: cfg, committer: committer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate derives readiness from branch state.
//
// Commit-ready: not trunk, staged files present, and either every staged
// file is style-only or a passing test proof is recorded. Merge-ready: not
// trunk, nothing staged, not merged or protected, and tests are either not
// required or proven passing. The two can never hold together because they
// disagree on staged files.
func (g *Gate) Evaluate(state BranchState) Readiness {
	r := Readiness{
		Tests:    state.HasPassingProof,
		Coverage: coverageSatisfied(state.LastTestSummary),
	}

	if state.Name == g.cfg.TrunkBranch {
		r.Reason = "the trunk branch is never committed or merged directly"
		return r
	}

	if len(state.StagedFiles) > 0 {
		styleOnly := g.stagedAllStyleOnly(state.StagedFiles)
		if !r.Coverage && !styleOnly {
			r.Reason = coverageBlockMessage(state.LastTestSummary)
			return r
		}
		if styleOnly || state.HasPassingProof {
			r.CommitReady = true
			return r
		}
		r.Reason = "tests must pass on the staged changes before committing"
		return r
	}

	switch {
	case state.Merged:
		r.Reason = "branch is already merged"
	case state.Protected:
		r.Reason = "branch is protected"
	case state.TestsRequired && !state.HasPassingProof:
		r.Reason = "tests must pass before merging"
	case state.TestsRequired && !r.Coverage:
		r.Reason = coverageBlockMessage(state.LastTestSummary)
	default:
		r.MergeReady = true
	}
	return r
}

func (g *Gate) stagedAllStyleOnly(files []string) bool {
	if len(g.cfg.StyleOnlyPatterns) == 0 {
		return false
	}
	for _, f := range files {
		if !g.matchesAnyStylePattern(f) {
			return false
		}
	}
	return true
}

func (g *Gate) matchesAnyStylePattern(path string) bool {
	for _, pattern := range g.cfg.StyleOnlyPatterns {
		ok, err := doublestar.Match(pattern, path)
		if err != nil {
			g.logger.Warn("invalid style pattern",
				zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// coverageSatisfied reports whether the last test summary clears its
// coverage thresholds. A run can succeed and still block here.
func coverageSatisfied(summary *job.Summary) bool {
	if summary == nil {
		return true
	}
	return summary.Coverage.MeetsThresholds()
}

// coverageBlockMessage lists each missed metric with achieved and required
// percentages, sorted by metric name.
func coverageBlockMessage(summary *job.Summary) string {
	if summary == nil || summary.Coverage == nil {
		return "coverage thresholds are not met"
	}
	cov := summary.Coverage

	metrics := make([]string, 0, len(cov.Thresholds))
	for metric := range cov.Thresholds {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	var missed []string
	for _, metric := range metrics {
		if cov.Totals[metric] < cov.Thresholds[metric] {
			missed = append(missed, fmt.Sprintf("%s %.1f%% < required %.1f%%",
				metric, cov.Totals[metric], cov.Thresholds[metric]))
		}
	}
	if len(missed) == 0 {
		return "coverage thresholds are not met"
	}
	return "coverage gate: " + strings.Join(missed, ", ")
}

// Action is what happens after a tracked run succeeds.
type Action string

const (
	// ActionOfferCommit prompts the user to commit now.
	ActionOfferCommit Action = "offer-commit"

	// ActionOfferCommitsView points the user at the commits view when
	// nothing is ready to commit.
	ActionOfferCommitsView Action = "offer-commits-view"

	// ActionResumeAutoCommit silently continues an automated commit.
	ActionResumeAutoCommit Action = "resume-auto-commit"
)

// DecideSuccessAction picks exactly one follow-up for a succeeded run.
// Silent continuation happens only when the run asked for hands-free
// operation and the branch is actually commit-ready.
func (g *Gate) DecideSuccessAction(state BranchState, handsFree bool) Action {
	r := g.Evaluate(state)
	switch {
	case handsFree && r.CommitReady:
		return ActionResumeAutoCommit
	case r.CommitReady:
		return ActionOfferCommit
	default:
		return ActionOfferCommitsView
	}
}

// Commit asks the collaborator to commit the branch. When the server
// rejects the commit because the recorded proof is stale, the proof is
// re-submitted once and the commit retried once; any further failure is
// returned as-is.
func (g *Gate) Commit(ctx context.Context, projectID string, branch, message, proofJobID string) error {
	req := client.CommitRequest{Branch: branch, Message: message}
	err := g.committer.CommitBranch(ctx, projectID, req)
	if err == nil || !apperrors.IsStaleProof(err) {
		return err
	}

	g.logger.Info("commit rejected on stale proof, re-submitting",
		zap.String("branch", branch), zap.String("job_id", proofJobID))
	if perr := g.committer.RecordTestProof(ctx, projectID, client.ProofRequest{
		Branch: branch,
		JobID:  proofJobID,
	}); perr != nil {
		return fmt.Errorf("re-submit test proof: %w", perr)
	}
	return g.committer.CommitBranch(ctx, projectID, req)
}
