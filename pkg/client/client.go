// Package client talks to the collaborator HTTP API: job control, branch
// commits and test proofs.
//
// Success responses carry {"success": true, ...}; failures carry the shared
// error envelope. Transport failures are retried within a small per-call
// budget; validation and domain failures are never retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/driftworks/autoloop/internal/errors"
	"github.com/driftworks/autoloop/pkg/bridge"
	"github.com/driftworks/autoloop/pkg/job"
)

// Client is an HTTP collaborator client. It satisfies job.Client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retries    int
	backoff    time.Duration
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets the transport retry budget per call.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithRetryBackoff sets the pause between transport retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithPollRate caps status polls at r per second with burst b.
func WithPollRate(r float64, b int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(r), b) }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a Client against baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(4), 2),
		retries:    2,
		backoff:    250 * time.Millisecond,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type startJobResponse struct {
	Success bool            `json:"success"`
	Job     *job.Record     `json:"job,omitempty"`
	Skip    *job.SkipResult `json:"skip,omitempty"`
}

// StartJob asks the collaborator to start a run of typ.
func (c *Client) StartJob(ctx context.Context, typ job.Type, req job.StartRequest) (*job.StartResult, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/jobs/%s",
		url.PathEscape(req.ProjectID), url.PathEscape(typ.String()))

	var res startJobResponse
	if err := c.do(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, apperrors.New(apperrors.ClassDomain, apperrors.CodeInternal,
			"collaborator rejected the start request")
	}
	return &job.StartResult{Job: res.Job, Skip: res.Skip}, nil
}

type jobStatusResponse struct {
	Success bool        `json:"success"`
	Job     *job.Record `json:"job"`
}

// JobStatus fetches the current record for a job. Calls are paced by the
// poll limiter.
func (c *Client) JobStatus(ctx context.Context, id string) (*job.Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var res jobStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	if !res.Success || res.Job == nil {
		return nil, apperrors.New(apperrors.ClassTransport, apperrors.CodeInternal,
			"status response missing job record")
	}
	return res.Job, nil
}

type ackResponse struct {
	Success bool `json:"success"`
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	var res ackResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &res); err != nil {
		return err
	}
	if !res.Success {
		return apperrors.New(apperrors.ClassDomain, apperrors.CodeInternal,
			"collaborator rejected the cancel request")
	}
	return nil
}

// CommitRequest asks the collaborator to commit staged changes on a branch.
type CommitRequest struct {
	Branch  string `json:"branch"`
	Message string `json:"message,omitempty"`
}

// CommitBranch commits staged changes. A stale test proof surfaces as an
// error satisfying apperrors.IsStaleProof.
func (c *Client) CommitBranch(ctx context.Context, projectID string, req CommitRequest) error {
	path := fmt.Sprintf("/api/v1/projects/%s/commit", url.PathEscape(projectID))
	var res ackResponse
	if err := c.do(ctx, http.MethodPost, path, req, &res); err != nil {
		return err
	}
	if !res.Success {
		return apperrors.New(apperrors.ClassDomain, apperrors.CodeInternal,
			"collaborator rejected the commit")
	}
	return nil
}

// ProofRequest records that a test job passed on a branch.
type ProofRequest struct {
	Branch string `json:"branch"`
	JobID  string `json:"job_id"`
}

// RecordTestProof submits a test proof for a branch.
func (c *Client) RecordTestProof(ctx context.Context, projectID string, req ProofRequest) error {
	path := fmt.Sprintf("/api/v1/projects/%s/proofs", url.PathEscape(projectID))
	var res ackResponse
	if err := c.do(ctx, http.MethodPost, path, req, &res); err != nil {
		return err
	}
	if !res.Success {
		return apperrors.New(apperrors.ClassDomain, apperrors.CodeInternal,
			"collaborator rejected the proof")
	}
	return nil
}

type enqueueCommandResponse struct {
	Success bool            `json:"success"`
	Command *bridge.Command `json:"command"`
}

// EnqueueUICommand queues a command for the UI driver and returns it with
// its assigned id.
func (c *Client) EnqueueUICommand(ctx context.Context, kind string, payload map[string]any) (bridge.Command, error) {
	body := map[string]any{"kind": kind, "payload": payload}
	var res enqueueCommandResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/bridge/commands", body, &res); err != nil {
		return bridge.Command{}, err
	}
	if !res.Success || res.Command == nil {
		return bridge.Command{}, apperrors.New(apperrors.ClassTransport, apperrors.CodeInternal,
			"enqueue response missing command")
	}
	return *res.Command, nil
}

type commandsResponse struct {
	Success bool  `json:"success"`
	Acked   int64 `json:"acked"`
}

// UICommandAcked reports the highest command id the UI driver has
// acknowledged.
func (c *Client) UICommandAcked(ctx context.Context) (int64, error) {
	var res commandsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/bridge/commands", nil, &res); err != nil {
		return 0, err
	}
	if !res.Success {
		return 0, apperrors.New(apperrors.ClassTransport, apperrors.CodeInternal,
			"commands response missing status")
	}
	return res.Acked, nil
}

// do issues one JSON request with transport retries. Validation and domain
// responses return immediately; transport-class failures retry up to the
// budget.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
			c.logger.Debug("retrying request",
				zap.String("path", path), zap.Int("attempt", attempt))
		}

		err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		if !apperrors.IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ClassTransport, apperrors.CodeUnavailable,
			"collaborator unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.Wrap(apperrors.ClassTransport, apperrors.CodeUnavailable,
			"read response", err)
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return apperrors.Wrap(apperrors.ClassTransport, apperrors.CodeInternal,
				"decode response", err)
		}
	}
	return nil
}

// decodeError maps an error envelope to an app error. Status picks the
// class; the envelope supplies code and message when present.
func decodeError(status int, raw []byte) error {
	var envelope apperrors.HTTPErrorResponse
	code := apperrors.CodeInternal
	message := fmt.Sprintf("collaborator returned status %d", status)
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		code = envelope.Error.Code
		if envelope.Error.Message != "" {
			message = envelope.Error.Message
		}
	}

	class := apperrors.ClassTransport
	switch {
	case status >= 400 && status < 409:
		class = apperrors.ClassValidation
	case status == http.StatusConflict:
		class = apperrors.ClassDomain
	}
	return apperrors.New(class, code, message)
}
