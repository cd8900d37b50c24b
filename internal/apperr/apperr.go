// Package apperr defines the coded client-facing errors of the matching
// engine. Every error a client can trigger carries a stable code that is sent
// back in the matching *_error event; anything else maps to CodeInternal.
package apperr

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeInvalidCoordinates Code = "invalid_coordinates"
	CodeNotAuthenticated   Code = "not_authenticated"
	CodeMatchNotFound      Code = "match_not_found"
	CodeNotPartOfMatch     Code = "not_part_of_match"
	CodeAlreadyApproved    Code = "already_approved"
	CodeEmptyMessage       Code = "empty_message"
	CodeInvalidRequest     Code = "invalid_request"
	CodeRateLimited        Code = "rate_limited"
	CodeInternal           Code = "internal"
)

// Error is a recoverable client-input error.
type Error struct {
	code    Code
	message string
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func (e *Error) Error() string { return e.message }

// Code returns the error code.
func (e *Error) Code() Code { return e.code }

// Message returns the user-facing message.
func (e *Error) Message() string { return e.message }

// Is matches any *Error with the same code, so errors.Is works against the
// sentinels below even for copies created with WithMessage.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *Error) WithMessage(message string) *Error {
	return &Error{code: e.code, message: message}
}

// Wrap annotates e with context while keeping it matchable with errors.Is.
func (e *Error) Wrap(context string) error {
	return pkgerrors.WithMessage(e, context)
}

// Sentinels for the error taxonomy.
var (
	ErrInvalidCoordinates = New(CodeInvalidCoordinates, "coordinates are out of range")
	ErrNotAuthenticated   = New(CodeNotAuthenticated, "missing or invalid credential")
	ErrMatchNotFound      = New(CodeMatchNotFound, "match not found or no longer pending")
	ErrNotPartOfMatch     = New(CodeNotPartOfMatch, "you are not part of this match")
	ErrAlreadyApproved    = New(CodeAlreadyApproved, "match already approved")
	ErrEmptyMessage       = New(CodeEmptyMessage, "message body is empty")
	ErrInvalidRequest     = New(CodeInvalidRequest, "invalid request")
	ErrRateLimited        = New(CodeRateLimited, "too many requests")
)

// CodeOf extracts the code of err, or CodeInternal when err is not coded.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeInternal
}

// MessageOf returns the user-facing message of err. Uncoded errors never
// leak their text to clients.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.message
	}
	return "internal error"
}
