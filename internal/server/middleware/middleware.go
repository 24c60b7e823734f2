// Package middleware carries the HTTP middleware shared by every route:
// request ids and panic recovery with the standard error envelope.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/driftworks/autoloop/internal/errors"
)

// ErrorResponse is the envelope written by the recovery middleware.
type ErrorResponse = apperrors.HTTPErrorResponse

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID attaches a request id to the context and response headers,
// honoring an inbound X-Request-ID when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom extracts the request id, if any, from a context.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Recovery converts panics into a 500 with the standard envelope. The
// request id, when present, rides along in the body for correlation.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			writeErrorResponse(w, http.StatusInternalServerError,
				apperrors.CodeInternal,
				fmt.Sprintf("panic: %v", rec),
				RequestIDFrom(r.Context()))
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for callers wiring the chain
// by concern name.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: apperrors.HTTPErrorBody{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	})
}
