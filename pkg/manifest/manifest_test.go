package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
version: "1.0"
project:
  id: shop-frontend
  trunk: main
ports:
  dev: [3000, 8080]
  reserved: [5432]
jobs:
  "frontend:test":
    command: npm
    args: ["run", "test"]
  "frontend:build":
    command: npm
    args: ["run", "build"]
coverage:
  thresholds:
    lines: 80
    branches: 70
style:
  patterns:
    - "**/*.css"
    - "docs/**"
autofix:
  max_attempts: 2
`

func TestLoadFromBytes_ValidYAML(t *testing.T) {
	m, err := LoadFromBytes([]byte(validYAML), "project.yaml")
	require.NoError(t, err)

	assert.Equal(t, "shop-frontend", m.Project.ID)
	assert.Equal(t, "main", m.Project.Trunk)
	assert.Equal(t, []int{3000, 8080}, m.Ports.Dev)
	assert.Equal(t, []int{5432}, m.Ports.Reserved)
	require.Contains(t, m.Jobs, "frontend:test")
	assert.Equal(t, "npm", m.Jobs["frontend:test"].Command)
	assert.Equal(t, 80, m.Coverage.Thresholds["lines"])
	assert.Equal(t, 2, m.Autofix.MaxAttempts)
}

func TestLoadFromBytes_DefaultsApplied(t *testing.T) {
	minimal := `
version: "1.0"
project:
  id: api
jobs:
  "backend:test":
    command: go
    args: ["test", "./..."]
`
	m, err := LoadFromBytes([]byte(minimal), "project.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultTrunk, m.Project.Trunk)
	assert.Equal(t, "api", m.Project.Name)
	assert.Equal(t, DefaultMaxAttempts, m.Autofix.MaxAttempts)
}

func TestLoadFromBytes_JSON(t *testing.T) {
	data := `{
		"version": "1.0",
		"project": {"id": "api"},
		"jobs": {"backend:build": {"command": "make"}}
	}`
	m, err := LoadFromBytes([]byte(data), "project.json")
	require.NoError(t, err)
	assert.Equal(t, "make", m.Jobs["backend:build"].Command)
}

func TestLoadFromBytes_UnknownFieldRejected(t *testing.T) {
	data := strings.Replace(validYAML, "version:", "surprise: true\nversion:", 1)
	_, err := LoadFromBytes([]byte(data), "project.yaml")
	require.Error(t, err)
}

func TestLoadFromBytes_Empty(t *testing.T) {
	_, err := LoadFromBytes(nil, "project.yaml")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_FromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "shop-frontend", m.Project.ID)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	m := &Manifest{
		Version: "2.0",
		Jobs: map[string]JobConfig{
			"frontend:deploy": {Command: ""},
		},
		Coverage: CoverageConfig{Thresholds: map[string]int{"lines": 83}},
		Ports:    PortsConfig{Dev: []int{70000}},
	}

	err := Validate(m)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrValidationFailed))

	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	paths := make([]string, 0, len(errs))
	for _, e := range errs {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "version")
	assert.Contains(t, paths, "project.id")
	assert.Contains(t, paths, "jobs.frontend:deploy")
	assert.Contains(t, paths, "jobs.frontend:deploy.command")
	assert.Contains(t, paths, "coverage.thresholds.lines")
	assert.Contains(t, paths, "ports")
}

func TestValidate_CoverageThresholdSteps(t *testing.T) {
	base := func(v int) *Manifest {
		return &Manifest{
			Version: "1.0",
			Project: ProjectConfig{ID: "p"},
			Jobs:    map[string]JobConfig{"backend:test": {Command: "go"}},
			Coverage: CoverageConfig{
				Thresholds: map[string]int{"lines": v},
			},
		}
	}

	for _, v := range []int{50, 60, 70, 80, 90, 100} {
		assert.NoError(t, Validate(base(v)), "threshold %d", v)
	}
	for _, v := range []int{40, 55, 83, 110} {
		assert.Error(t, Validate(base(v)), "threshold %d", v)
	}
}

func TestValidate_RequiresJobs(t *testing.T) {
	m := &Manifest{Version: "1.0", Project: ProjectConfig{ID: "p"}}
	err := Validate(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one job")
}
