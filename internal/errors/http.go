package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPErrorResponse is the JSON envelope for all error responses.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

// HTTPErrorBody carries the coded error payload.
type HTTPErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteHTTPError writes the standard error envelope.
func WriteHTTPError(w http.ResponseWriter, status int, code string, message string) {
	WriteHTTPErrorDetails(w, status, code, message, nil)
}

// WriteHTTPErrorDetails writes the standard error envelope with details.
func WriteHTTPErrorDetails(w http.ResponseWriter, status int, code string, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPErrorBody{Code: code, Message: message, Details: details},
	})
}

// StatusFor maps an error to an HTTP status code. A few codes carry their
// own status; everything else maps by class.
func StatusFor(err error) int {
	var app *AppError
	if errors.As(err, &app) {
		switch app.Code {
		case CodeNotFound:
			return http.StatusNotFound
		case CodeMethodNotAllowed:
			return http.StatusMethodNotAllowed
		case CodeUnavailable:
			return http.StatusServiceUnavailable
		}
	}
	switch ClassOf(err) {
	case ClassValidation:
		return http.StatusBadRequest
	case ClassDomain, ClassHalt:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
