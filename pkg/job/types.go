// Package job tracks build/test invocations as managed jobs: it starts
// them, persists their records, and polls non-terminal jobs to completion.
package job

import "time"

// Scope identifies which half of a project a job operates on.
type Scope string

const (
	ScopeFrontend Scope = "frontend"
	ScopeBackend  Scope = "backend"
	ScopeStyle    Scope = "style"
)

// Kind identifies what a job does.
type Kind string

const (
	KindTest  Kind = "test"
	KindBuild Kind = "build"
	KindLint  Kind = "lint"
)

// Type is a closed job type carrying scope and kind as data. The wire form
// is "<scope>:<kind>", but code dispatches on the fields, never on string
// prefixes.
type Type struct {
	Scope Scope `json:"scope"`
	Kind  Kind  `json:"kind"`
}

// Known job types.
var (
	TypeFrontendTest  = Type{Scope: ScopeFrontend, Kind: KindTest}
	TypeBackendTest   = Type{Scope: ScopeBackend, Kind: KindTest}
	TypeFrontendBuild = Type{Scope: ScopeFrontend, Kind: KindBuild}
	TypeBackendBuild  = Type{Scope: ScopeBackend, Kind: KindBuild}
	TypeStyleLint     = Type{Scope: ScopeStyle, Kind: KindLint}
)

// KnownTypes enumerates every valid job type.
func KnownTypes() []Type {
	return []Type{
		TypeFrontendTest,
		TypeBackendTest,
		TypeFrontendBuild,
		TypeBackendBuild,
		TypeStyleLint,
	}
}

// String returns the wire form "<scope>:<kind>".
func (t Type) String() string {
	return string(t.Scope) + ":" + string(t.Kind)
}

// IsTest reports whether this type runs a test suite.
func (t Type) IsTest() bool {
	return t.Kind == KindTest
}

// Label is the human-facing name for the type, used in prompts and
// remediation requests.
func (t Type) Label() string {
	switch t {
	case TypeFrontendTest:
		return "Frontend tests"
	case TypeBackendTest:
		return "Backend tests"
	case TypeFrontendBuild:
		return "Frontend build"
	case TypeBackendBuild:
		return "Backend build"
	case TypeStyleLint:
		return "Style lint"
	default:
		return t.String()
	}
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CoverageSummary is the coverage sub-record of a job summary.
type CoverageSummary struct {
	// Totals maps a metric name (lines, branches, functions) to the
	// achieved percentage.
	Totals map[string]float64 `json:"totals,omitempty"`

	// Thresholds maps a metric name to the required percentage.
	Thresholds map[string]float64 `json:"thresholds,omitempty"`

	// UncoveredLines lists "file:line" locations missing coverage.
	UncoveredLines []string `json:"uncovered_lines,omitempty"`
}

// MeetsThresholds reports whether every threshold metric is satisfied.
func (c *CoverageSummary) MeetsThresholds() bool {
	if c == nil {
		return true
	}
	for metric, required := range c.Thresholds {
		if c.Totals[metric] < required {
			return false
		}
	}
	return true
}

// Summary carries the outcome details of a finished job.
type Summary struct {
	Passed       int              `json:"passed"`
	Failed       int              `json:"failed"`
	FailingTests []string         `json:"failing_tests,omitempty"`
	Report       string           `json:"report,omitempty"`
	ErrorText    string           `json:"error_text,omitempty"`
	Coverage     *CoverageSummary `json:"coverage,omitempty"`
}

// Record is the persistent record of one job. Owned by the lifecycle
// manager; read-only everywhere else. Immutable once terminal.
type Record struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	ProjectID   string     `json:"project_id"`
	Status      Status     `json:"status"`
	Command     string     `json:"command"`
	Args        []string   `json:"args,omitempty"`
	CWD         string     `json:"cwd,omitempty"`
	PID         int        `json:"pid,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Logs        []string   `json:"logs,omitempty"`
	Summary     *Summary   `json:"summary,omitempty"`
}

// SkipResult is the server's answer when a run is unnecessary: nothing
// relevant changed since the last success. No job exists and no polling is
// scheduled for a skip.
type SkipResult struct {
	Skipped   bool   `json:"skipped"`
	Reason    string `json:"reason"`
	Branch    string `json:"branch,omitempty"`
	Indicator string `json:"indicator,omitempty"`
}

// Origin says who asked for a run.
type Origin string

const (
	OriginUser       Origin = "user"
	OriginAutomation Origin = "automation"
)
