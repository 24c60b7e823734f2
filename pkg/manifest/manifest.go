// Package manifest provides loading and validation of autoloop project
// manifests.
//
// A project manifest is a YAML or JSON file that configures automation for
// one project: identity, trunk branch, dev ports, job commands per type,
// coverage thresholds, style-only patterns and the auto-fix attempt cap.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	project:
//	  id: shop-frontend
//	  trunk: main
//	ports:
//	  dev: [3000, 8080]
//	jobs:
//	  "frontend:test":
//	    command: npm
//	    args: ["run", "test"]
//	coverage:
//	  thresholds:
//	    lines: 80
//	style:
//	  patterns: ["**/*.css"]
package manifest

import "strings"

// Manifest is a validated project manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Project identifies the project and its trunk branch.
	Project ProjectConfig `json:"project" yaml:"project"`

	// Ports configures dev server ports (optional).
	Ports PortsConfig `json:"ports,omitempty" yaml:"ports,omitempty"`

	// Jobs maps a job type ("frontend:test") to its command definition.
	Jobs map[string]JobConfig `json:"jobs" yaml:"jobs"`

	// Coverage configures per-metric thresholds (optional).
	Coverage CoverageConfig `json:"coverage,omitempty" yaml:"coverage,omitempty"`

	// Style configures style-only file patterns (optional).
	Style StyleConfig `json:"style,omitempty" yaml:"style,omitempty"`

	// Autofix configures the automatic remediation loop (optional).
	Autofix AutofixConfig `json:"autofix,omitempty" yaml:"autofix,omitempty"`
}

// ProjectConfig identifies the project.
type ProjectConfig struct {
	// ID is the stable project identifier.
	ID string `json:"id" yaml:"id"`

	// Name is a human-facing display name. Optional; defaults to ID.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Trunk is the trunk branch name. Default: "main".
	Trunk string `json:"trunk,omitempty" yaml:"trunk,omitempty"`

	// Root is the project working directory job commands run in. Optional.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`
}

// PortsConfig lists the project's ports.
type PortsConfig struct {
	// Dev are the dev server ports reclaimed before a restart.
	Dev []int `json:"dev,omitempty" yaml:"dev,omitempty"`

	// Reserved ports are never reclaimed even when occupied.
	Reserved []int `json:"reserved,omitempty" yaml:"reserved,omitempty"`
}

// JobConfig defines the command behind one job type.
type JobConfig struct {
	// Command is the executable to run.
	Command string `json:"command" yaml:"command"`

	// Args are the command arguments. Optional.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Dir overrides the project root as working directory. Optional.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Env adds KEY=VALUE pairs to the job environment. Optional.
	Env []string `json:"env,omitempty" yaml:"env,omitempty"`
}

// CoverageConfig configures coverage gating.
type CoverageConfig struct {
	// Thresholds maps a metric name (lines, branches, functions) to the
	// required percentage. Allowed values: 50 to 100 in steps of 10.
	Thresholds map[string]int `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// StyleConfig configures style-only commit detection.
type StyleConfig struct {
	// Patterns are doublestar globs; a commit whose staged files all match
	// may proceed without a test proof.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
}

// AutofixConfig configures the remediation loop.
type AutofixConfig struct {
	// MaxAttempts caps fix attempts per session. Range 1-10. Default: 3.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultTrunk is the default trunk branch name.
	DefaultTrunk = "main"

	// DefaultMaxAttempts is the default auto-fix attempt cap.
	DefaultMaxAttempts = 3
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest so
// callers never reason about empty strings or zero values.
func (m *Manifest) ApplyDefaults() {
	if strings.TrimSpace(m.Project.Trunk) == "" {
		m.Project.Trunk = DefaultTrunk
	}
	if strings.TrimSpace(m.Project.Name) == "" {
		m.Project.Name = m.Project.ID
	}
	if m.Autofix.MaxAttempts == 0 {
		m.Autofix.MaxAttempts = DefaultMaxAttempts
	}
}
