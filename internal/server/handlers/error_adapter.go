package handlers

import (
	"errors"
	"net/http"

	apperrors "github.com/driftworks/autoloop/internal/errors"
)

// HTTPErrorResponder converts an error into an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

// httpErrorResponder is the active responder; overridable for embedding
// applications that carry their own envelope.
var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeInternal
	message := "internal server error"

	var app *apperrors.AppError
	if errors.As(err, &app) {
		code = app.Code
		message = app.Message
	}
	apperrors.WriteHTTPError(w, apperrors.StatusFor(err), code, message)
}

// SetHTTPErrorResponder replaces the error responder. Passing nil resets
// the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = defaultErrorResponder
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
