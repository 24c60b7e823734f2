package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassValidation,
		ClassOf(New(ClassValidation, CodeInvalidArgument, "bad input")))
	assert.Equal(t, ClassHalt,
		ClassOf(New(ClassHalt, CodeBlocked, "halted")))

	// Plain errors default to transport so unknown failures stay retryable.
	assert.Equal(t, ClassTransport, ClassOf(fmt.Errorf("boom")))

	// Wrapped app errors keep their class.
	wrapped := fmt.Errorf("outer: %w", New(ClassDomain, CodeBlocked, "blocked"))
	assert.Equal(t, ClassDomain, ClassOf(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ClassTransport, CodeUnavailable, "down")))
	assert.True(t, IsRetryable(fmt.Errorf("plain")))
	assert.False(t, IsRetryable(New(ClassValidation, CodeInvalidArgument, "bad")))
	assert.False(t, IsRetryable(New(ClassDomain, CodeBlocked, "no")))
}

func TestIsStaleProof(t *testing.T) {
	assert.True(t, IsStaleProof(New(ClassDomain, CodeStaleProof, "stale")))
	assert.True(t, IsStaleProof(fmt.Errorf("wrap: %w",
		New(ClassDomain, CodeStaleProof, "stale"))))
	assert.False(t, IsStaleProof(New(ClassDomain, CodeBlocked, "blocked")))
	assert.False(t, IsStaleProof(fmt.Errorf("plain")))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", New(ClassValidation, CodeInvalidArgument, "bad"), http.StatusBadRequest},
		{"domain", New(ClassDomain, CodeBlocked, "blocked"), http.StatusConflict},
		{"halt", New(ClassHalt, CodeBlocked, "halted"), http.StatusConflict},
		{"transport", New(ClassTransport, "BOOM", "boom"), http.StatusInternalServerError},
		{"plain error", fmt.Errorf("boom"), http.StatusInternalServerError},
		{"not found code wins", New(ClassValidation, CodeNotFound, "missing"), http.StatusNotFound},
		{"method not allowed code wins", New(ClassValidation, CodeMethodNotAllowed, "nope"), http.StatusMethodNotAllowed},
		{"unavailable code wins", New(ClassTransport, CodeUnavailable, "down"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestWriteHTTPError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTPError(rec, http.StatusNotFound, CodeNotFound, "resource not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "resource not found", body.Error.Message)
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ClassTransport, CodeInternal, "wrapper", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "wrapper")
	assert.Contains(t, err.Error(), "root cause")
}
