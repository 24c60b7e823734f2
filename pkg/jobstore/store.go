// Package jobstore persists job records and test proofs in a local SQLite
// database.
//
// Records are immutable once terminal; the store enforces the job status
// transition table on every save.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftworks/autoloop/pkg/job"
)

// ErrNotFound is returned when a record or proof does not exist.
var ErrNotFound = errors.New("jobstore: not found")

// Store is a SQLite-backed job record store.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the job database at path. ":memory:"
// is supported for tests. WAL and busy_timeout are applied for predictable
// behavior with a CLI sharing the file.
func Open(ctx context.Context, path string) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("job store path is required")
	}
	if path != ":memory:" {
		if err := ensureStoreDir(path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}

	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if path != ":memory:" {
		var journalMode string
		if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		var busyTimeout int
		if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveRecord inserts or updates a job record, enforcing the status
// transition table. A terminal record never changes again.
func (s *Store) SaveRecord(ctx context.Context, rec job.Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("job id is required")
	}

	existing, err := s.GetRecord(ctx, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		if existing.Status.IsTerminal() && existing.Status != rec.Status {
			return fmt.Errorf("job %s is terminal (%s); refusing update to %s", rec.ID, existing.Status, rec.Status)
		}
		if err := job.ValidateTransition(existing.Status, rec.Status); err != nil {
			return err
		}
	}

	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	logs, err := json.Marshal(rec.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	summary := []byte("null")
	if rec.Summary != nil {
		summary, err = json.Marshal(rec.Summary)
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
	}

	var completedAt any
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, scope, kind, project_id, status, command, args_json, cwd, pid, created_at, completed_at, logs_json, summary_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			pid = excluded.pid,
			completed_at = excluded.completed_at,
			logs_json = excluded.logs_json,
			summary_json = excluded.summary_json`,
		rec.ID, string(rec.Type.Scope), string(rec.Type.Kind), rec.ProjectID,
		string(rec.Status), rec.Command, string(args), rec.CWD, rec.PID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), completedAt,
		string(logs), string(summary))
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.ID, err)
	}
	return nil
}

// GetRecord loads one job record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (*job.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, scope, kind, project_id, status, command, args_json, cwd, pid, created_at, completed_at, logs_json, summary_json
		FROM jobs WHERE job_id = ?`, id)
	return scanRecord(row)
}

// ListRecords returns all records for a project, newest first.
func (s *Store) ListRecords(ctx context.Context, projectID string) ([]job.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, scope, kind, project_id, status, command, args_json, cwd, pid, created_at, completed_at, logs_json, summary_json
		FROM jobs WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// LastTerminalByType returns the most recent terminal record for a project
// and job type, or ErrNotFound.
func (s *Store) LastTerminalByType(ctx context.Context, projectID string, typ job.Type) (*job.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, scope, kind, project_id, status, command, args_json, cwd, pid, created_at, completed_at, logs_json, summary_json
		FROM jobs
		WHERE project_id = ? AND scope = ? AND kind = ? AND status IN ('succeeded', 'failed', 'cancelled')
		ORDER BY completed_at DESC LIMIT 1`,
		projectID, string(typ.Scope), string(typ.Kind))
	return scanRecord(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*job.Record, error) {
	var (
		rec         job.Record
		scope, kind string
		status      string
		argsJSON    string
		createdAt   string
		completedAt sql.NullString
		logsJSON    string
		summaryJSON string
	)
	err := row.Scan(&rec.ID, &scope, &kind, &rec.ProjectID, &status,
		&rec.Command, &argsJSON, &rec.CWD, &rec.PID, &createdAt,
		&completedAt, &logsJSON, &summaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	rec.Type = job.Type{Scope: job.Scope(scope), Kind: job.Kind(kind)}
	rec.Status = job.Status(status)

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		rec.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if err := json.Unmarshal([]byte(logsJSON), &rec.Logs); err != nil {
		return nil, fmt.Errorf("parse logs: %w", err)
	}
	if summaryJSON != "" && summaryJSON != "null" {
		rec.Summary = &job.Summary{}
		if err := json.Unmarshal([]byte(summaryJSON), rec.Summary); err != nil {
			return nil, fmt.Errorf("parse summary: %w", err)
		}
	}
	return &rec, nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
