// Package output provides JSONL output for job lifecycle events.
//
// Events are structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently, which makes
// the event log greppable and safe to tail while jobs run.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: autoloop.<type>.v<version>
const (
	// TypeStarted identifies job start records.
	TypeStarted = "autoloop.started.v1"

	// TypeCompleted identifies terminal job records.
	TypeCompleted = "autoloop.completed.v1"

	// TypeCancelled identifies cancellation request records.
	TypeCancelled = "autoloop.cancelled.v1"

	// TypeZombie identifies zombie demotion records: a job that claimed to
	// be running whose process turned out to be gone.
	TypeZombie = "autoloop.zombie.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line contains a Record with a type-specific payload in the Data
// field. The type field determines how to interpret the payload.
type Record struct {
	// Type identifies the record type (e.g., "autoloop.started.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the job this event belongs to.
	JobID string `json:"job_id"`

	// ProjectID identifies the project the job ran for.
	ProjectID string `json:"project_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// StartedRecord is the data payload for job starts.
type StartedRecord struct {
	// JobType is the wire form of the job type ("frontend:test").
	JobType string `json:"job_type"`

	// Command is the executable spawned for the job.
	Command string `json:"command"`

	// Args are the command arguments.
	Args []string `json:"args,omitempty"`

	// Dir is the working directory the command ran in.
	Dir string `json:"dir,omitempty"`

	// PID is the child process id.
	PID int `json:"pid"`
}

// CompletedRecord is the data payload for terminal jobs.
type CompletedRecord struct {
	// Status is the terminal status (succeeded, failed, cancelled).
	Status string `json:"status"`

	// Passed and Failed are test counts when the job produced a summary.
	Passed int `json:"passed,omitempty"`
	Failed int `json:"failed,omitempty"`

	// FailingTests lists failing test identifiers, if any.
	FailingTests []string `json:"failing_tests,omitempty"`

	// ErrorText carries the failure output excerpt, if any.
	ErrorText string `json:"error_text,omitempty"`
}

// CancelledRecord is the data payload for cancellation requests.
type CancelledRecord struct {
	// PID is the process group that was signalled, when known.
	PID int `json:"pid,omitempty"`
}

// ZombieRecord is the data payload for zombie demotions.
type ZombieRecord struct {
	// PID is the process id that was no longer alive.
	PID int `json:"pid"`
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("output writer is closed")
