package job

import "fmt"

// statusTransitions is the closed transition table. Terminal statuses have
// no outgoing edges, which makes terminality monotonic by construction.
// Polling sees snapshots, not events: a queued job may show up as any
// terminal status on the next poll when the running phase fell between
// polls, so every terminal status is reachable from queued.
var statusTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusSucceeded: true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether a job may move from one status to another.
// Same-status updates are allowed so repeated polls can rewrite a record in
// place.
func CanTransition(from Status, to Status) bool {
	if from == to {
		return true
	}
	return statusTransitions[from][to]
}

// ValidateTransition returns a validation error for illegal transitions.
func ValidateTransition(from Status, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return nil
}

// ParseType parses the wire form "<scope>:<kind>" into a known Type.
func ParseType(s string) (Type, error) {
	for _, t := range KnownTypes() {
		if t.String() == s {
			return t, nil
		}
	}
	return Type{}, fmt.Errorf("unknown job type: %q", s)
}
