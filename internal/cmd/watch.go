package cmd

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftworks/autoloop/internal/config"
	"github.com/driftworks/autoloop/internal/observability"
	"github.com/driftworks/autoloop/pkg/autofix"
	"github.com/driftworks/autoloop/pkg/bridge"
	"github.com/driftworks/autoloop/pkg/client"
	"github.com/driftworks/autoloop/pkg/gate"
	"github.com/driftworks/autoloop/pkg/job"
	"github.com/driftworks/autoloop/pkg/manifest"
)

var (
	watchManifestPath string
	watchBranch       string
	watchMessage      string
	watchCommit       bool
	watchFixTimeout   time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the configured jobs and drive the auto-fix loop",
	Long: `Run every job configured in the manifest, feed the results to the
auto-fix loop, and repeat until all checks pass or the loop halts.

Failing rounds dispatch a remediation request to the UI driver through the
bridge command queue; the next round starts once the driver acknowledges the
command. With --commit the branch is committed after a passing round, using
the recorded test proof.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchManifestPath, "manifest", "autoloop.yaml", "Path to the project manifest")
	watchCmd.Flags().StringVar(&watchBranch, "branch", "", "Branch the run is verifying")
	watchCmd.Flags().StringVar(&watchMessage, "message", "", "Commit message for --commit")
	watchCmd.Flags().BoolVar(&watchCommit, "commit", false, "Commit the branch after a passing round")
	watchCmd.Flags().DurationVar(&watchFixTimeout, "fix-timeout", 10*time.Minute, "How long to wait for a fix to be acknowledged")
}

// fixDispatcher is the loop dispatcher plus the id of the last command it
// queued, which the watch loop waits on.
type fixDispatcher interface {
	autofix.Dispatcher
	lastDispatched() int64
}

// ackSource reports the highest acknowledged UI command id.
type ackSource interface {
	UICommandAcked(ctx context.Context) (int64, error)
}

// uiFixDispatcher delivers remediation requests as invoke-action commands
// on the bridge queue, where the UI driver picks them up.
type uiFixDispatcher struct {
	client *client.Client
	logger *zap.Logger

	mu     sync.Mutex
	lastID int64
}

func (d *uiFixDispatcher) DispatchFix(ctx context.Context, req autofix.RemediationRequest) {
	cmd, err := d.client.EnqueueUICommand(ctx, bridge.CommandInvokeAction, map[string]any{
		"action":  "autofix.remediate",
		"request": req,
	})
	if err != nil {
		d.logger.Warn("fix dispatch failed",
			zap.String("project_id", req.ProjectID),
			zap.Int("attempt", req.Attempt),
			zap.Error(err))
		return
	}
	d.mu.Lock()
	d.lastID = cmd.ID
	d.mu.Unlock()
	d.logger.Info("fix request queued for the UI driver",
		zap.Int64("command_id", cmd.ID), zap.Int("attempt", req.Attempt))
}

func (d *uiFixDispatcher) lastDispatched() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastID
}

// stdoutNotifier prints loop messages for the person running the command.
type stdoutNotifier struct{}

func (stdoutNotifier) Notify(ctx context.Context, text string) {
	fmt.Println(text)
}

// watchSession ties the job manager, the auto-fix loop and the commit gate
// together for one project.
type watchSession struct {
	manager     *job.Manager
	loop        *autofix.Loop
	gate        *gate.Gate
	dispatcher  fixDispatcher
	acks        ackSource
	committer   gate.Committer
	notifier    autofix.Notifier
	logger      *zap.Logger
	types       []job.Type
	projectID   string
	branch      string
	message     string
	commit      bool
	fixTimeout  time.Duration
	ackInterval time.Duration

	completions chan job.Record
}

func newWatchSession(m *manifest.Manifest, c *client.Client, logger *zap.Logger) *watchSession {
	s := &watchSession{
		gate:        gate.New(gate.Config{TrunkBranch: m.Project.Trunk, StyleOnlyPatterns: m.Style.Patterns}, c, gate.WithLogger(logger)),
		dispatcher:  &uiFixDispatcher{client: c, logger: logger},
		acks:        c,
		committer:   c,
		notifier:    stdoutNotifier{},
		logger:      logger,
		projectID:   m.Project.ID,
		completions: make(chan job.Record, 16),
	}
	s.loop = autofix.NewLoop(s.dispatcher, s.notifier,
		autofix.WithMaxAttempts(m.Autofix.MaxAttempts),
		autofix.WithLogger(logger))

	types := make([]string, 0, len(m.Jobs))
	for wire := range m.Jobs {
		types = append(types, wire)
	}
	sort.Strings(types)
	for _, wire := range types {
		if typ, err := job.ParseType(wire); err == nil {
			s.types = append(s.types, typ)
		}
	}
	return s
}

// runRound starts every configured job type and waits until all of them
// reach a terminal status. Skipped runs contribute nothing to the round.
func (s *watchSession) runRound(ctx context.Context, origin job.Origin) ([]job.Record, error) {
	waiting := make(map[string]bool)
	var results []job.Record

	for _, typ := range s.types {
		rec, skip, err := s.manager.Start(ctx, typ, job.StartRequest{
			ProjectID: s.projectID,
			Origin:    origin,
		})
		if err != nil {
			return nil, err
		}
		if skip != nil {
			s.logger.Info("run skipped",
				zap.String("type", typ.String()),
				zap.String("reason", skip.Reason))
			continue
		}
		if rec.Status.IsTerminal() {
			results = append(results, *rec)
			continue
		}
		waiting[rec.ID] = true
	}

	for len(waiting) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case rec := <-s.completions:
			if waiting[rec.ID] {
				delete(waiting, rec.ID)
				results = append(results, rec)
			}
		}
	}
	return results, nil
}

// awaitFixApplied polls the bridge until the UI driver acknowledges the
// dispatched fix command.
func (s *watchSession) awaitFixApplied(ctx context.Context, cmdID int64) error {
	deadline := time.Now().Add(s.fixTimeout)
	for {
		acked, err := s.acks.UICommandAcked(ctx)
		if err != nil {
			s.logger.Debug("ack poll failed", zap.Error(err))
		} else if acked >= cmdID {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("fix command %d not acknowledged after %s", cmdID, s.fixTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.ackInterval):
		}
	}
}

// run drives rounds until every check passes or the loop halts.
func (s *watchSession) run(ctx context.Context) error {
	s.manager.OnCompletion(func(rec job.Record) {
		select {
		case s.completions <- rec:
		case <-ctx.Done():
		}
	})
	s.loop.Focus(s.projectID)
	defer s.manager.StopAll()

	for {
		recs, err := s.runRound(ctx, job.OriginAutomation)
		if err != nil {
			return err
		}
		s.loop.HandleResult(ctx, recs, job.OriginAutomation)

		switch snap := s.loop.Snapshot(); snap.State {
		case autofix.StateFixing:
			cmdID := s.dispatcher.lastDispatched()
			if cmdID == 0 {
				return fmt.Errorf("fix request could not be queued; stopping")
			}
			if err := s.awaitFixApplied(ctx, cmdID); err != nil {
				return err
			}
			s.loop.FixCompleted()

		case autofix.StateHalted:
			return fmt.Errorf("automatic fixing halted; rerun the checks or request a fix explicitly")

		default:
			return s.afterPassingRound(ctx, recs)
		}
	}
}

// afterPassingRound records a test proof for the branch and, with --commit,
// commits through the gate (which retries once on a stale proof).
func (s *watchSession) afterPassingRound(ctx context.Context, recs []job.Record) error {
	var proofID string
	for _, rec := range recs {
		if rec.Type.IsTest() && rec.Status == job.StatusSucceeded {
			proofID = rec.ID
			break
		}
	}

	if s.branch != "" && proofID != "" {
		if err := s.committer.RecordTestProof(ctx, s.projectID, client.ProofRequest{
			Branch: s.branch,
			JobID:  proofID,
		}); err != nil {
			s.logger.Warn("recording test proof failed",
				zap.String("branch", s.branch), zap.Error(err))
			proofID = ""
		}
	}

	if !s.commit {
		state := gate.BranchState{Name: s.branch, HasPassingProof: proofID != ""}
		switch s.gate.DecideSuccessAction(state, false) {
		case gate.ActionOfferCommit:
			s.notifier.Notify(ctx, fmt.Sprintf("Branch %s is ready to commit.", s.branch))
		default:
			s.notifier.Notify(ctx, "All configured checks pass.")
		}
		return nil
	}

	if s.branch == "" {
		return fmt.Errorf("--commit requires --branch")
	}
	if err := s.gate.Commit(ctx, s.projectID, s.branch, s.message, proofID); err != nil {
		return fmt.Errorf("commit %s: %w", s.branch, err)
	}
	s.notifier.Notify(ctx, fmt.Sprintf("Committed %s.", s.branch))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(watchManifestPath)
	if err != nil {
		return err
	}
	if watchCommit && watchBranch == "" {
		return fmt.Errorf("--commit requires --branch")
	}

	cfg := config.GetConfig()
	logger := observability.CLILogger

	c, err := client.New(cfg.Collaborator.BaseURL,
		client.WithRetries(cfg.Collaborator.Retries),
		client.WithPollRate(cfg.Collaborator.PollRate, 1),
		client.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build collaborator client: %w", err)
	}

	s := newWatchSession(m, c, logger)
	s.manager = job.NewManager(c,
		job.WithPollInterval(cfg.Collaborator.PollInterval),
		job.WithLogger(logger))
	s.branch = watchBranch
	s.message = watchMessage
	s.commit = watchCommit
	s.fixTimeout = watchFixTimeout
	s.ackInterval = cfg.Collaborator.PollInterval

	if len(s.types) == 0 {
		return fmt.Errorf("manifest %s configures no runnable jobs", watchManifestPath)
	}
	return s.run(cmd.Context())
}
