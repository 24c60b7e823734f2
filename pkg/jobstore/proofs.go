package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/driftworks/autoloop/pkg/job"
)

// Proof records that a test run completed on a branch. The commit gate
// compares the proof's job against the latest staged state to decide whether
// it is still fresh.
type Proof struct {
	ProjectID  string     `json:"project_id"`
	Branch     string     `json:"branch"`
	JobID      string     `json:"job_id"`
	Status     job.Status `json:"status"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// SaveProof upserts the proof for a branch. Only one proof per branch is
// kept; a newer run replaces the old one.
func (s *Store) SaveProof(ctx context.Context, p Proof) error {
	if strings.TrimSpace(p.ProjectID) == "" {
		return errors.New("proof project id is required")
	}
	if strings.TrimSpace(p.Branch) == "" {
		return errors.New("proof branch is required")
	}
	if strings.TrimSpace(p.JobID) == "" {
		return errors.New("proof job id is required")
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proofs (branch, project_id, job_id, status, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, branch) DO UPDATE SET
			job_id = excluded.job_id,
			status = excluded.status,
			recorded_at = excluded.recorded_at`,
		p.Branch, p.ProjectID, p.JobID, string(p.Status),
		p.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save proof for %s: %w", p.Branch, err)
	}
	return nil
}

// LatestProof returns the recorded proof for a branch, or ErrNotFound.
func (s *Store) LatestProof(ctx context.Context, projectID, branch string) (*Proof, error) {
	var (
		p          Proof
		status     string
		recordedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT branch, project_id, job_id, status, recorded_at
		FROM proofs WHERE project_id = ? AND branch = ?`,
		projectID, branch).Scan(&p.Branch, &p.ProjectID, &p.JobID, &status, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load proof for %s: %w", branch, err)
	}
	p.Status = job.Status(status)
	if p.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return nil, fmt.Errorf("parse recorded_at: %w", err)
	}
	return &p, nil
}
