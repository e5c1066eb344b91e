// Package apperr defines the error kinds surfaced by the backend and their
// HTTP mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	Validation    Kind = "validation"      // malformed payload, empty required field
	NotFound      Kind = "not_found"       // unknown session id, missing file
	Config        Kind = "config"          // missing API key, missing executable
	Upstream      Kind = "upstream"        // LLM provider or diagram CLI failed
	InputTooLarge Kind = "input_too_large" // oversize diagram source
	Policy        Kind = "policy"          // shell command blocked
	Timeout       Kind = "timeout"         // CLI or shell command exceeded its bound
)

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a tagged error with formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain; unknown errors map to Upstream.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Upstream
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation, Config, InputTooLarge, Policy:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
