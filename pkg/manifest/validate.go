package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/driftworks/autoloop/pkg/job"
)

// ErrValidationFailed indicates the manifest failed validation.
var ErrValidationFailed = errors.New("manifest validation failed")

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path points at the problematic field (e.g., "coverage.thresholds.lines").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("manifest validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks the manifest for structural and range errors. All
// failures are collected and returned together.
func Validate(m *Manifest) error {
	var errs ValidationErrors

	if m.Version != DefaultVersion {
		errs = append(errs, ValidationError{
			Path:    "version",
			Message: fmt.Sprintf("unsupported version %q (want %q)", m.Version, DefaultVersion),
		})
	}
	if strings.TrimSpace(m.Project.ID) == "" {
		errs = append(errs, ValidationError{
			Path:    "project.id",
			Message: "project id is required",
		})
	}

	if len(m.Jobs) == 0 {
		errs = append(errs, ValidationError{
			Path:    "jobs",
			Message: "at least one job definition is required",
		})
	}
	for key, jc := range m.Jobs {
		if _, err := job.ParseType(key); err != nil {
			errs = append(errs, ValidationError{
				Path:    "jobs." + key,
				Message: err.Error(),
			})
		}
		if strings.TrimSpace(jc.Command) == "" {
			errs = append(errs, ValidationError{
				Path:    "jobs." + key + ".command",
				Message: "command is required",
			})
		}
	}

	for _, port := range append(append([]int(nil), m.Ports.Dev...), m.Ports.Reserved...) {
		if port < 1 || port > 65535 {
			errs = append(errs, ValidationError{
				Path:    "ports",
				Message: fmt.Sprintf("port %d is out of range", port),
			})
		}
	}

	// Coverage thresholds are a coarse dial on purpose: 50-100 in steps of
	// 10. Out-of-range values are rejected, never clamped.
	for metric, value := range m.Coverage.Thresholds {
		if value < 50 || value > 100 || value%10 != 0 {
			errs = append(errs, ValidationError{
				Path:    "coverage.thresholds." + metric,
				Message: fmt.Sprintf("threshold %d must be between 50 and 100 in steps of 10", value),
			})
		}
	}

	for _, pattern := range m.Style.Patterns {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, ValidationError{
				Path:    "style.patterns",
				Message: fmt.Sprintf("invalid pattern %q", pattern),
			})
		}
	}

	if n := m.Autofix.MaxAttempts; n < 0 || n > 10 {
		errs = append(errs, ValidationError{
			Path:    "autofix.max_attempts",
			Message: fmt.Sprintf("max attempts %d must be between 1 and 10", n),
		})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
