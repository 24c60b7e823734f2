package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StartRequest is the payload for starting a job.
type StartRequest struct {
	ProjectID string         `json:"project_id"`
	Origin    Origin         `json:"origin,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// StartResult is the server's answer to a start request: either a job
// record or a skip marker, never both.
type StartResult struct {
	Job  *Record     `json:"job,omitempty"`
	Skip *SkipResult `json:"skip,omitempty"`
}

// Client is the collaborator endpoint surface the manager consumes.
type Client interface {
	StartJob(ctx context.Context, typ Type, req StartRequest) (*StartResult, error)
	JobStatus(ctx context.Context, id string) (*Record, error)
	CancelJob(ctx context.Context, id string) error
}

// RecordSink receives every record update the manager stores. Implemented
// by the sqlite store; a nil sink is allowed.
type RecordSink interface {
	SaveRecord(ctx context.Context, rec Record) error
}

// CompletionFunc observes jobs reaching a terminal, non-suppressed status.
type CompletionFunc func(rec Record)

// Manager starts jobs and keeps their records current until terminal.
//
// Polling is single-writer per job id: each id has one goroutine issuing
// status requests sequentially, so last-write-wins on the stored record is
// safe. Different ids poll fully concurrently.
type Manager struct {
	client   Client
	sink     RecordSink
	interval time.Duration
	logger   *zap.Logger

	mu         sync.RWMutex
	records    map[string]Record
	polling    map[string]context.CancelFunc
	suppressed map[string]bool
	lastByType map[Type]Record
	observers  []CompletionFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPollInterval sets the fixed backoff between status polls.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.interval = d }
}

// WithRecordSink persists every stored record update.
func WithRecordSink(sink RecordSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a Manager around the collaborator client.
func NewManager(c Client, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:     c,
		interval:   2 * time.Second,
		logger:     zap.NewNop(),
		records:    make(map[string]Record),
		polling:    make(map[string]context.CancelFunc),
		suppressed: make(map[string]bool),
		lastByType: make(map[Type]Record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnCompletion registers an observer for terminal records. Observers are
// invoked from the polling goroutine of the completing job, one job at a
// time per id.
func (m *Manager) OnCompletion(fn CompletionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Start requests a new run of the given type.
//
// The server may answer with a skip result instead of a job; the skip is
// returned distinctly and nothing is scheduled. A response carrying neither
// is an error.
func (m *Manager) Start(ctx context.Context, typ Type, req StartRequest) (*Record, *SkipResult, error) {
	res, err := m.client.StartJob(ctx, typ, req)
	if err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", typ, err)
	}
	if res != nil && res.Skip != nil && res.Skip.Skipped {
		m.logger.Info("run skipped",
			zap.String("type", typ.String()),
			zap.String("reason", res.Skip.Reason))
		return nil, res.Skip, nil
	}
	if res == nil || res.Job == nil || res.Job.ID == "" {
		return nil, nil, fmt.Errorf("failed to start automation job")
	}

	rec := *res.Job
	m.storeRecord(ctx, rec)

	if !rec.Status.IsTerminal() {
		m.schedulePolling(rec.ID)
	}
	return &rec, nil, nil
}

// Get returns the most recently received record for id.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok
}

// Last returns the most recent record seen for a job type.
func (m *Manager) Last(typ Type) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.lastByType[typ]
	return rec, ok
}

// List returns a copy of all known records.
func (m *Manager) List() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

// ShouldRunTest reports whether a run of typ is needed given the staged
// files. Pure decision over the last stored record; no side effects.
func (m *Manager) ShouldRunTest(typ Type, staged []StagedFile) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *Record
	if rec, ok := m.lastByType[typ]; ok {
		last = &rec
	}
	return ShouldRunTest(last, staged)
}

// Cancel requests cancellation of a job. Polling for the id stops and the
// id is suppressed even when the cancellation request itself fails; the
// server state is reconciled on the next read.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	if stop, ok := m.polling[id]; ok {
		stop()
		delete(m.polling, id)
	}
	m.suppressed[id] = true
	m.mu.Unlock()

	if err := m.client.CancelJob(ctx, id); err != nil {
		m.logger.Warn("cancel request failed, treating job as abandoned",
			zap.String("job_id", id), zap.Error(err))
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

// IsSuppressed reports whether prompts for id should be hidden.
func (m *Manager) IsSuppressed(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suppressed[id]
}

// StopAll stops every polling goroutine. Used on project switch and
// shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, stop := range m.polling {
		stop()
		delete(m.polling, id)
	}
}

func (m *Manager) schedulePolling(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, already := m.polling[id]; already {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.polling[id] = cancel
	go m.pollLoop(ctx, id)
}

// pollLoop is the single writer for one job id. The next poll is scheduled
// only after the previous response resolves.
func (m *Manager) pollLoop(ctx context.Context, id string) {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		rec, err := m.client.JobStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Poll failures are absorbed: reschedule and try again.
			m.logger.Debug("poll failed, rescheduling",
				zap.String("job_id", id), zap.Error(err))
			timer.Reset(m.interval)
			continue
		}
		if rec == nil || rec.ID != id {
			m.logger.Warn("discarding mismatched poll response",
				zap.String("job_id", id))
			timer.Reset(m.interval)
			continue
		}

		m.storeRecord(ctx, *rec)

		if rec.Status.IsTerminal() {
			m.finishPolling(id, *rec)
			return
		}
		timer.Reset(m.interval)
	}
}

func (m *Manager) storeRecord(ctx context.Context, rec Record) {
	m.mu.Lock()
	if prev, ok := m.records[rec.ID]; ok {
		if err := ValidateTransition(prev.Status, rec.Status); err != nil {
			// A terminal record never regresses; keep the stored one.
			m.logger.Warn("ignoring invalid status transition",
				zap.String("job_id", rec.ID),
				zap.String("from", string(prev.Status)),
				zap.String("to", string(rec.Status)))
			m.mu.Unlock()
			return
		}
	}
	m.records[rec.ID] = rec
	m.lastByType[rec.Type] = rec
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.SaveRecord(ctx, rec); err != nil {
			m.logger.Warn("persisting job record failed",
				zap.String("job_id", rec.ID), zap.Error(err))
		}
	}
}

func (m *Manager) finishPolling(id string, rec Record) {
	m.mu.Lock()
	if stop, ok := m.polling[id]; ok {
		stop()
		delete(m.polling, id)
	}
	suppressed := m.suppressed[id]
	observers := make([]CompletionFunc, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.logger.Info("job reached terminal status",
		zap.String("job_id", id),
		zap.String("type", rec.Type.String()),
		zap.String("status", string(rec.Status)))

	// A cancellation racing a completing poll still stores the terminal
	// record above; suppression only hides the user-facing reactions.
	if suppressed {
		return
	}
	for _, fn := range observers {
		fn(rec)
	}
}
