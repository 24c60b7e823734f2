// Package handlers implements the HTTP handlers behind the autoloop server.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/driftworks/autoloop/internal/errors"
)

// Checker probes one dependency's health.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the JSON body of a healthy /health response.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

const healthCheckTimeout = 2 * time.Second

// HealthManager aggregates registered checkers into the health endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]Checker
	started  time.Time
}

// NewHealthManager builds a HealthManager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]Checker),
		started:  time.Now().UTC(),
	}
}

// RegisterChecker adds a named dependency probe.
func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	for name, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := c.CheckHealth(checkCtx)
		cancel()
		switch {
		case err == nil:
			results[name] = "healthy"
		case checkCtx.Err() != nil:
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

// determineOverallStatus folds per-check results: any unhealthy check makes
// the whole service unhealthy; a timeout alone only degrades it.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, result := range checks {
		switch result {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler serves the aggregate health endpoint.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		details := map[string]any{"checks": checksDetails(checks)}
		apperrors.WriteHTTPErrorDetails(w, http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE", "one or more health checks failed", details)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:  status,
		Version: m.version,
		Checks:  checks,
	})
}

// LivenessHandler answers liveness probes: the process is up.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, "alive")
}

// ReadinessHandler answers readiness probes with the aggregate status.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	if m.determineOverallStatus(checks) == "unhealthy" {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE", "not ready")
		return
	}
	writeProbe(w, "ready")
}

// StartupHandler answers startup probes.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, "started")
}

func writeProbe(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func checksDetails(checks map[string]string) map[string]any {
	out := make(map[string]any, len(checks))
	for name, result := range checks {
		out[name] = result
	}
	return out
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide health manager.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide health manager, or nil before
// InitHealthManager.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

// HealthHandler is the package-level aggregate health endpoint.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE", "health manager not initialized")
		return
	}
	globalHealthManager.HealthHandler(w, r)
}

// LivenessHandler is the package-level liveness endpoint.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE", "health manager not initialized")
		return
	}
	globalHealthManager.LivenessHandler(w, r)
}

// ReadinessHandler is the package-level readiness endpoint.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE", "health manager not initialized")
		return
	}
	globalHealthManager.ReadinessHandler(w, r)
}

// StartupHandler is the package-level startup endpoint.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE", "health manager not initialized")
		return
	}
	globalHealthManager.StartupHandler(w, r)
}
