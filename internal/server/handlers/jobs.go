package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/driftworks/autoloop/internal/errors"
	"github.com/driftworks/autoloop/pkg/job"
	"github.com/driftworks/autoloop/pkg/jobstore"
	"github.com/driftworks/autoloop/pkg/manifest"
	"github.com/driftworks/autoloop/pkg/runner"
)

// JobRunner is the runner surface the job endpoints need.
type JobRunner interface {
	Spawn(ctx context.Context, spec runner.Spec) (*job.Record, error)
	Status(ctx context.Context, id string) (*job.Record, error)
	Cancel(ctx context.Context, id string) error
}

// JobsHandler implements the job control endpoints.
type JobsHandler struct {
	Runner   JobRunner
	Store    *jobstore.Store
	Manifest *manifest.Manifest
	Logger   *zap.Logger
}

// StartJobRequest is the body of a start-job call.
type StartJobRequest struct {
	Origin      job.Origin        `json:"origin,omitempty"`
	StagedFiles []StagedFileEntry `json:"staged_files,omitempty"`
	Force       bool              `json:"force,omitempty"`
	Branch      string            `json:"branch,omitempty"`
}

// StagedFileEntry is one staged change with its modification time.
type StagedFileEntry struct {
	Path       string    `json:"path"`
	ModifiedAt time.Time `json:"modified_at"`
}

// StartJob starts a run of the requested type, or answers with a skip when
// nothing relevant changed since the last passing run of that type.
func (h *JobsHandler) StartJob(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	typ, err := job.ParseType(chi.URLParam(r, "jobType"))
	if err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "invalid job type", err))
		return
	}

	// An empty body is fine; malformed JSON is not.
	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}

	jc, ok := h.Manifest.Jobs[typ.String()]
	if !ok {
		respondWithError(w, r, apperrors.New(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "no command configured for job type "+typ.String()))
		return
	}

	if typ.IsTest() && !req.Force {
		if skip := h.skipDecision(r.Context(), projectID, typ, req); skip != nil {
			h.Logger.Info("run skipped",
				zap.String("type", typ.String()),
				zap.String("reason", skip.Reason))
			writeSuccess(w, map[string]any{"skip": skip})
			return
		}
	}

	dir := jc.Dir
	if dir == "" {
		dir = h.Manifest.Project.Root
	}
	rec, err := h.Runner.Spawn(r.Context(), runner.Spec{
		Type:      typ,
		ProjectID: projectID,
		Command:   jc.Command,
		Args:      jc.Args,
		Dir:       dir,
		Env:       jc.Env,
	})
	if err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassTransport,
			apperrors.CodeInternal, "failed to start job", err))
		return
	}
	writeSuccess(w, map[string]any{"job": rec})
}

// skipDecision returns a skip result when the last run of this type passed
// and no staged file was modified after it completed.
func (h *JobsHandler) skipDecision(ctx context.Context, projectID string, typ job.Type, req StartJobRequest) *job.SkipResult {
	last, err := h.Store.LastTerminalByType(ctx, projectID, typ)
	if err != nil {
		return nil
	}

	staged := make([]job.StagedFile, 0, len(req.StagedFiles))
	for _, f := range req.StagedFiles {
		staged = append(staged, job.StagedFile{Path: f.Path, ModifiedAt: f.ModifiedAt})
	}
	if job.ShouldRunTest(last, staged) {
		return nil
	}
	return &job.SkipResult{
		Skipped:   true,
		Reason:    "no staged changes since the last passing run",
		Branch:    req.Branch,
		Indicator: typ.Label() + " ✓",
	}
}

// JobStatus returns the current record for a job. Zombie records read back
// as failed.
func (h *JobsHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	rec, err := h.Runner.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondWithError(w, r, apperrors.New(apperrors.ClassValidation,
				apperrors.CodeNotFound, "unknown job id"))
			return
		}
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassTransport,
			apperrors.CodeInternal, "load job status", err))
		return
	}
	writeSuccess(w, map[string]any{"job": rec})
}

// CancelJob requests cancellation of a running job.
func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := h.Runner.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondWithError(w, r, apperrors.New(apperrors.ClassValidation,
				apperrors.CodeNotFound, "unknown job id"))
			return
		}
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassTransport,
			apperrors.CodeInternal, "cancel job", err))
		return
	}
	writeSuccess(w, nil)
}

// ListJobs returns every record for a project, newest first.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	recs, err := h.Store.ListRecords(r.Context(), projectID)
	if err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassTransport,
			apperrors.CodeInternal, "list jobs", err))
		return
	}
	writeSuccess(w, map[string]any{"jobs": recs})
}

func writeSuccess(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}
