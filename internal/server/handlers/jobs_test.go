package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftworks/autoloop/pkg/job"
	"github.com/driftworks/autoloop/pkg/jobstore"
	"github.com/driftworks/autoloop/pkg/manifest"
	"github.com/driftworks/autoloop/pkg/runner"
)

type fakeRunner struct {
	spawned []runner.Spec
	records map[string]*job.Record
	spawnFn func(spec runner.Spec) (*job.Record, error)
}

func (f *fakeRunner) Spawn(ctx context.Context, spec runner.Spec) (*job.Record, error) {
	f.spawned = append(f.spawned, spec)
	if f.spawnFn != nil {
		return f.spawnFn(spec)
	}
	rec := &job.Record{
		ID:        fmt.Sprintf("job-%d", len(f.spawned)),
		Type:      spec.Type,
		ProjectID: spec.ProjectID,
		Status:    job.StatusRunning,
		Command:   spec.Command,
		CreatedAt: time.Now().UTC(),
	}
	return rec, nil
}

func (f *fakeRunner) Status(ctx context.Context, id string) (*job.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRunner) Cancel(ctx context.Context, id string) error {
	if _, ok := f.records[id]; !ok {
		return jobstore.ErrNotFound
	}
	return nil
}

func openTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	store, err := jobstore.Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Version: "1.0",
		Project: manifest.ProjectConfig{ID: "proj-1", Name: "demo", Trunk: "main", Root: "/tmp/demo"},
		Jobs: map[string]manifest.JobConfig{
			"frontend:test": {Command: "npm", Args: []string{"test"}},
			"backend:test":  {Command: "pytest", Dir: "/tmp/demo/backend"},
		},
	}
}

func jobsRouter(h *JobsHandler) chi.Router {
	r := chi.NewRouter()
	r.Post("/api/v1/projects/{projectID}/jobs/{jobType}", h.StartJob)
	r.Get("/api/v1/projects/{projectID}/jobs", h.ListJobs)
	r.Get("/api/v1/jobs/{jobID}", h.JobStatus)
	r.Post("/api/v1/jobs/{jobID}/cancel", h.CancelJob)
	return r
}

func TestStartJob_SpawnsConfiguredCommand(t *testing.T) {
	fr := &fakeRunner{}
	h := &JobsHandler{Runner: fr, Store: openTestStore(t), Manifest: testManifest(), Logger: zap.NewNop()}

	body := bytes.NewBufferString(`{"origin": "user"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj-1/jobs/frontend:test", body)
	rec := httptest.NewRecorder()
	jobsRouter(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, fr.spawned, 1)
	assert.Equal(t, "npm", fr.spawned[0].Command)
	assert.Equal(t, []string{"test"}, fr.spawned[0].Args)
	assert.Equal(t, "/tmp/demo", fr.spawned[0].Dir)

	var res struct {
		Success bool        `json:"success"`
		Job     *job.Record `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	require.NotNil(t, res.Job)
	assert.Equal(t, job.StatusRunning, res.Job.Status)
}

func TestStartJob_UnknownTypeRejected(t *testing.T) {
	h := &JobsHandler{Runner: &fakeRunner{}, Store: openTestStore(t), Manifest: testManifest(), Logger: zap.NewNop()}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj-1/jobs/frontend:deploy", nil)
	rec := httptest.NewRecorder()
	jobsRouter(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartJob_NoCommandConfigured(t *testing.T) {
	h := &JobsHandler{Runner: &fakeRunner{}, Store: openTestStore(t), Manifest: testManifest(), Logger: zap.NewNop()}

	// style:lint is a valid type but not configured in the test manifest.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj-1/jobs/style:lint", nil)
	rec := httptest.NewRecorder()
	jobsRouter(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartJob_SkipsWhenNothingChanged(t *testing.T) {
	fr := &fakeRunner{}
	store := openTestStore(t)
	h := &JobsHandler{Runner: fr, Store: store, Manifest: testManifest(), Logger: zap.NewNop()}

	completed := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.SaveRecord(context.Background(), job.Record{
		ID:          "prev-run",
		Type:        job.TypeFrontendTest,
		ProjectID:   "proj-1",
		Status:      job.StatusSucceeded,
		Command:     "npm",
		CreatedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}))

	stale := completed.Add(-time.Hour).Format(time.RFC3339)
	body := bytes.NewBufferString(fmt.Sprintf(
		`{"staged_files": [{"path": "src/app.ts", "modified_at": %q}]}`, stale))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj-1/jobs/frontend:test", body)
	rec := httptest.NewRecorder()
	jobsRouter(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, fr.spawned)

	var res struct {
		Success bool            `json:"success"`
		Skip    *job.SkipResult `json:"skip"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Skip)
	assert.True(t, res.Skip.Skipped)
}

func TestStartJob_RunsWhenFilesChangedSinceLastPass(t *testing.T) {
	fr := &fakeRunner{}
	store := openTestStore(t)
	h := &JobsHandler{Runner: fr, Store: store, Manifest: testManifest(), Logger: zap.NewNop()}

	completed := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.SaveRecord(context.Background(), job.Record{
		ID:          "prev-run",
		Type:        job.TypeFrontendTest,
		ProjectID:   "proj-1",
		Status:      job.StatusSucceeded,
		Command:     "npm",
		CreatedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}))

	fresh := time.Now().UTC().Format(time.RFC3339)
	body := bytes.NewBufferString(fmt.Sprintf(
		`{"staged_files": [{"path": "src/app.ts", "modified_at": %q}]}`, fresh))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj-1/jobs/frontend:test", body)
	rec := httptest.NewRecorder()
	jobsRouter(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, fr.spawned, 1)
}

func TestStartJob_ForceBypassesSkip(t *testing.T) {
	fr := &fakeRunner{}
	store := openTestStore(t)
	h := &JobsHandler{Runner: fr, Store: store, Manifest: testManifest(), Logger: zap.NewNop()}

	completed := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.SaveRecord(context.Background(), job.Record{
		ID:          "prev-run",
		Type:        job.TypeFrontendTest,
		ProjectID:   "proj-1",
		Status:      job.StatusSucceeded,
		Command:     "npm",
		CreatedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}))

	body := bytes.NewBufferString(`{"force": true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj-1/jobs/frontend:test", body)
	rec := httptest.NewRecorder()
	jobsRouter(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, fr.spawned, 1)
}

func TestJobStatus_UnknownJobIs404(t *testing.T) {
	h := &JobsHandler{Runner: &fakeRunner{}, Store: openTestStore(t), Manifest: testManifest(), Logger: zap.NewNop()}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope", nil)
	rec := httptest.NewRecorder()
	jobsRouter(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatusAndCancel(t *testing.T) {
	fr := &fakeRunner{records: map[string]*job.Record{
		"job-1": {ID: "job-1", Type: job.TypeBackendTest, ProjectID: "proj-1", Status: job.StatusRunning},
	}}
	h := &JobsHandler{Runner: fr, Store: openTestStore(t), Manifest: testManifest(), Logger: zap.NewNop()}
	router := jobsRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/job-1/cancel", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/missing/cancel", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs_ScopedToProject(t *testing.T) {
	store := openTestStore(t)
	h := &JobsHandler{Runner: &fakeRunner{}, Store: store, Manifest: testManifest(), Logger: zap.NewNop()}

	require.NoError(t, store.SaveRecord(context.Background(), job.Record{
		ID: "a", Type: job.TypeFrontendTest, ProjectID: "proj-1",
		Status: job.StatusRunning, Command: "npm", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.SaveRecord(context.Background(), job.Record{
		ID: "b", Type: job.TypeFrontendTest, ProjectID: "proj-2",
		Status: job.StatusRunning, Command: "npm", CreatedAt: time.Now().UTC(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/proj-1/jobs", nil)
	rec := httptest.NewRecorder()
	jobsRouter(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		Jobs []job.Record `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, "a", res.Jobs[0].ID)
}
