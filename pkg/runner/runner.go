// Package runner spawns project job commands as managed child processes.
//
// Each job gets its own directory under the runner root with captured
// stdout/stderr logs. Children run in their own process group so
// cancellation can take the whole tree down at once.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftworks/autoloop/pkg/job"
	"github.com/driftworks/autoloop/pkg/jobstore"
	"github.com/driftworks/autoloop/pkg/output"
	"github.com/driftworks/autoloop/pkg/reclaim"
)

// Spec describes one job command to run.
type Spec struct {
	Type      job.Type
	ProjectID string
	Command   string
	Args      []string
	Dir       string
	Env       []string
}

// Runner starts, tracks and cancels job processes.
type Runner struct {
	root    string
	store   *jobstore.Store
	reclaim *reclaim.Manager
	parser  SummaryParser
	events  output.Writer
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]*process
}

type process struct {
	cmd       *exec.Cmd
	projectID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithSummaryParser replaces the default job output parser.
func WithSummaryParser(p SummaryParser) Option {
	return func(r *Runner) { r.parser = p }
}

// WithLogger sets the runner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithEventWriter records job lifecycle events as JSONL.
func WithEventWriter(w output.Writer) Option {
	return func(r *Runner) {
		if w != nil {
			r.events = w
		}
	}
}

// New builds a Runner that writes logs under root and persists records to
// the store.
func New(root string, store *jobstore.Store, rm *reclaim.Manager, opts ...Option) (*Runner, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("runner root dir is required")
	}
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if rm == nil {
		return nil, errors.New("reclaim manager is required")
	}
	r := &Runner{
		root:    root,
		store:   store,
		reclaim: rm,
		parser:  ParseSummary,
		events:  output.Discard{},
		logger:  zap.NewNop(),
		active:  make(map[string]*process),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) jobDir(id string) string {
	return filepath.Join(r.root, id)
}

// StdoutPath returns the captured stdout log path for a job.
func (r *Runner) StdoutPath(id string) string {
	return filepath.Join(r.jobDir(id), "stdout.log")
}

// StderrPath returns the captured stderr log path for a job.
func (r *Runner) StderrPath(id string) string {
	return filepath.Join(r.jobDir(id), "stderr.log")
}

// Spawn starts the job command and returns its initial running record. The
// terminal record is written by a background goroutine when the child exits.
func (r *Runner) Spawn(ctx context.Context, spec Spec) (*job.Record, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("job command is required")
	}
	if strings.TrimSpace(spec.ProjectID) == "" {
		return nil, errors.New("project id is required")
	}

	id := uuid.New().String()
	dir := r.jobDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	stdout, err := os.Create(r.StdoutPath(id))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(r.StderrPath(id))
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group so cancellation reaches grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return r.reclaim.KillProcessTree(cmd.Process.Pid)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start job command: %w", err)
	}

	now := time.Now().UTC()
	rec := job.Record{
		ID:        id,
		Type:      spec.Type,
		ProjectID: spec.ProjectID,
		Status:    job.StatusRunning,
		Command:   spec.Command,
		Args:      spec.Args,
		CWD:       spec.Dir,
		PID:       cmd.Process.Pid,
		CreatedAt: now,
		Logs:      []string{r.StdoutPath(id), r.StderrPath(id)},
	}
	if err := r.store.SaveRecord(ctx, rec); err != nil {
		cancel()
		_ = r.reclaim.KillProcessTree(cmd.Process.Pid)
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("persist job record: %w", err)
	}

	proc := &process{cmd: cmd, projectID: spec.ProjectID, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.active[id] = proc
	r.mu.Unlock()

	r.logger.Info("job started",
		zap.String("job_id", id),
		zap.String("type", spec.Type.String()),
		zap.Int("pid", cmd.Process.Pid))
	if err := r.events.WriteStarted(id, spec.ProjectID, &output.StartedRecord{
		JobType: spec.Type.String(),
		Command: spec.Command,
		Args:    spec.Args,
		Dir:     spec.Dir,
		PID:     cmd.Process.Pid,
	}); err != nil {
		r.logger.Warn("event log write failed", zap.Error(err))
	}

	go r.reap(rec, proc, stdout, stderr)
	return &rec, nil
}

// reap waits for the child, parses its output and writes the terminal
// record. It is the only writer for its job after Spawn returns.
func (r *Runner) reap(rec job.Record, proc *process, stdout, stderr *os.File) {
	defer close(proc.done)
	defer proc.cancel()
	waitErr := proc.cmd.Wait()
	_ = stdout.Close()
	_ = stderr.Close()

	cancelled := proc.cmd.ProcessState != nil && wasSignalled(proc.cmd.ProcessState)

	r.mu.Lock()
	delete(r.active, rec.ID)
	r.mu.Unlock()

	now := time.Now().UTC()
	rec.CompletedAt = &now
	switch {
	case waitErr == nil:
		rec.Status = job.StatusSucceeded
	case cancelled:
		rec.Status = job.StatusCancelled
	default:
		rec.Status = job.StatusFailed
	}

	summary, err := r.parser(r.StdoutPath(rec.ID), r.StderrPath(rec.ID), waitErr)
	if err != nil {
		r.logger.Warn("parsing job output failed",
			zap.String("job_id", rec.ID), zap.Error(err))
	}
	rec.Summary = summary

	if err := r.store.SaveRecord(context.Background(), rec); err != nil {
		r.logger.Warn("persisting terminal record failed",
			zap.String("job_id", rec.ID), zap.Error(err))
	}
	r.logger.Info("job finished",
		zap.String("job_id", rec.ID),
		zap.String("status", string(rec.Status)))

	completed := output.CompletedRecord{Status: string(rec.Status)}
	if summary != nil {
		completed.Passed = summary.Passed
		completed.Failed = summary.Failed
		completed.FailingTests = summary.FailingTests
		completed.ErrorText = summary.ErrorText
	}
	if err := r.events.WriteCompleted(rec.ID, rec.ProjectID, &completed); err != nil {
		r.logger.Warn("event log write failed", zap.Error(err))
	}
}

func wasSignalled(state *os.ProcessState) bool {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return ws.Signaled() && (ws.Signal() == syscall.SIGTERM || ws.Signal() == syscall.SIGKILL)
}

// Cancel stops a running job. The reap goroutine records the cancelled
// status once the process exits.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	proc, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		rec, err := r.store.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			return nil
		}
		return fmt.Errorf("job %s is not managed by this runner", id)
	}

	if err := r.reclaim.KillProcessTree(proc.cmd.Process.Pid); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if err := r.events.WriteCancelled(id, proc.projectID, &output.CancelledRecord{
		PID: proc.cmd.Process.Pid,
	}); err != nil {
		r.logger.Warn("event log write failed", zap.Error(err))
	}
	select {
	case <-proc.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Status returns the stored record for a job, demoting zombies: a record
// claiming to run whose process is gone and untracked becomes failed.
func (r *Runner) Status(ctx context.Context, id string) (*job.Record, error) {
	rec, err := r.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != job.StatusRunning {
		return rec, nil
	}

	r.mu.Lock()
	_, tracked := r.active[id]
	r.mu.Unlock()
	if tracked || isProcessAlive(rec.PID) {
		return rec, nil
	}

	now := time.Now().UTC()
	rec.Status = job.StatusFailed
	rec.CompletedAt = &now
	rec.Summary = &job.Summary{ErrorText: "job process exited unexpectedly"}
	if err := r.store.SaveRecord(ctx, *rec); err != nil {
		return nil, fmt.Errorf("record zombie job %s: %w", id, err)
	}
	r.logger.Warn("demoted zombie job", zap.String("job_id", id), zap.Int("pid", rec.PID))
	if err := r.events.WriteZombie(id, rec.ProjectID, &output.ZombieRecord{PID: rec.PID}); err != nil {
		r.logger.Warn("event log write failed", zap.Error(err))
	}
	return rec, nil
}

// Shutdown cancels every active job and waits for their reap goroutines.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	procs := make([]*process, 0, len(r.active))
	for _, proc := range r.active {
		procs = append(procs, proc)
	}
	r.mu.Unlock()

	for _, proc := range procs {
		_ = r.reclaim.KillProcessTree(proc.cmd.Process.Pid)
	}
	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
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
	// signal 0 checks existence without delivering a signal.
	return p.Signal(syscall.Signal(0)) == nil
}
