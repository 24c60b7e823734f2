package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/driftworks/autoloop/internal/errors"
	"github.com/driftworks/autoloop/pkg/job"
	"github.com/driftworks/autoloop/pkg/jobstore"
)

// CommitHandler implements the commit gate endpoints. A commit only goes
// through when the branch carries a passing test proof that is still fresh.
type CommitHandler struct {
	Store  *jobstore.Store
	Trunk  string
	Logger *zap.Logger
}

// CommitBody is the request body for a commit call.
type CommitBody struct {
	Branch         string    `json:"branch"`
	Message        string    `json:"message,omitempty"`
	LatestChangeAt time.Time `json:"latest_change_at,omitempty"`
}

// Commit validates the branch's test proof and acknowledges the commit.
func (h *CommitHandler) Commit(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var body CommitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	branch := strings.TrimSpace(body.Branch)
	if branch == "" {
		respondWithError(w, r, apperrors.New(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "branch is required"))
		return
	}
	if branch == h.Trunk {
		respondWithError(w, r, apperrors.New(apperrors.ClassDomain,
			apperrors.CodeBlocked, "direct commits to "+h.Trunk+" are not allowed"))
		return
	}

	proof, err := h.Store.LatestProof(r.Context(), projectID, branch)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondWithError(w, r, apperrors.New(apperrors.ClassDomain,
				apperrors.CodeBlocked, "tests must pass on "+branch+" before committing"))
			return
		}
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassTransport,
			apperrors.CodeInternal, "load test proof", err))
		return
	}
	if proof.Status != job.StatusSucceeded {
		respondWithError(w, r, apperrors.New(apperrors.ClassDomain,
			apperrors.CodeBlocked, "latest test run on "+branch+" did not pass"))
		return
	}
	if !body.LatestChangeAt.IsZero() && body.LatestChangeAt.After(proof.RecordedAt) {
		respondWithError(w, r, apperrors.New(apperrors.ClassDomain,
			apperrors.CodeStaleProof, "branch changed after the last passing test run"))
		return
	}

	h.Logger.Info("commit accepted",
		zap.String("project_id", projectID),
		zap.String("branch", branch))
	writeSuccess(w, map[string]any{"branch": branch})
}

// ProofBody is the request body for recording a test proof.
type ProofBody struct {
	Branch string `json:"branch"`
	JobID  string `json:"job_id"`
}

// RecordProof records that a test job passed on a branch. The job must
// exist and have succeeded.
func (h *CommitHandler) RecordProof(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var body ProofBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	if strings.TrimSpace(body.Branch) == "" || strings.TrimSpace(body.JobID) == "" {
		respondWithError(w, r, apperrors.New(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "branch and job_id are required"))
		return
	}

	rec, err := h.Store.GetRecord(r.Context(), body.JobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondWithError(w, r, apperrors.New(apperrors.ClassValidation,
				apperrors.CodeNotFound, "unknown job id"))
			return
		}
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassTransport,
			apperrors.CodeInternal, "load job record", err))
		return
	}
	if rec.Status != job.StatusSucceeded {
		respondWithError(w, r, apperrors.New(apperrors.ClassDomain,
			apperrors.CodeBlocked, "job "+body.JobID+" did not succeed"))
		return
	}

	proof := jobstore.Proof{
		ProjectID: projectID,
		Branch:    body.Branch,
		JobID:     body.JobID,
		Status:    rec.Status,
	}
	if rec.CompletedAt != nil {
		proof.RecordedAt = *rec.CompletedAt
	}
	if err := h.Store.SaveProof(r.Context(), proof); err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassTransport,
			apperrors.CodeInternal, "save test proof", err))
		return
	}
	writeSuccess(w, nil)
}
