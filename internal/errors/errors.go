// Package errors defines the application error taxonomy and the HTTP error
// envelope shared by the server and client.
//
// Every error surfaced by the core falls into one of four classes:
// transport (retryable at the polling layer), validation (never retried),
// domain (blocked by business rules), and halt (an intentional
// circuit-breaker stop).
package errors

import (
	"errors"
	"fmt"
)

// Class is the retry/surfacing class of an error.
type Class string

const (
	// ClassTransport covers network and server-availability failures.
	// Retried within the calling operation's retry budget.
	ClassTransport Class = "transport"

	// ClassValidation covers bad ids and malformed requests. Never retried.
	ClassValidation Class = "validation"

	// ClassDomain covers rule-blocked operations ("tests must pass before
	// commit"). Not auto-retried except the stale-proof commit path.
	ClassDomain Class = "domain"

	// ClassHalt covers intentional circuit-breaker stops.
	ClassHalt Class = "halt"
)

// Stable machine-readable error codes.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeInternal         = "INTERNAL_ERROR"
	CodeUnavailable      = "UNAVAILABLE"
	CodeBlocked          = "BLOCKED"
	CodeStaleProof       = "STALE_PROOF"
)

// AppError is a classified error with a stable code and a human-readable
// message.
type AppError struct {
	Class   Class
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New builds an AppError.
func New(class Class, code string, message string) *AppError {
	return &AppError{Class: class, Code: code, Message: message}
}

// Wrap builds an AppError around an underlying cause.
func Wrap(class Class, code string, message string, err error) *AppError {
	return &AppError{Class: class, Code: code, Message: message, Err: err}
}

// ClassOf reports the class of err, defaulting to transport for plain
// errors so unknown failures stay retryable rather than fatal.
func ClassOf(err error) Class {
	var app *AppError
	if errors.As(err, &app) {
		return app.Class
	}
	return ClassTransport
}

// IsRetryable reports whether the polling layer may retry err.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransport
}

// IsStaleProof reports whether err is the server's stale-proof rejection,
// the one domain error with an automatic recovery path.
func IsStaleProof(err error) bool {
	var app *AppError
	return errors.As(err, &app) && app.Code == CodeStaleProof
}
