package transform

import (
	"fmt"
	"net/http"
)

// CompilationError reports a shape that cannot be compiled: a malformed path
// expression, an append with an empty separator, or an unknown namespace.
type CompilationError struct {
	Key        string
	Expression string
	Reason     string
	Err        error
}

// Error implements the error interface.
func (e *CompilationError) Error() string {
	msg := fmt.Sprintf("invalid shape at %q", e.Key)
	if e.Expression != "" {
		msg += fmt.Sprintf(" (expression %q)", e.Expression)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *CompilationError) Unwrap() error {
	return e.Err
}

// ExtractionError reports a required value missing from the request. It is
// the caller's fault and maps to a 400.
type ExtractionError struct {
	Key        string
	Expression string
	Err        error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to extract %q from %q: %v", e.Key, e.Expression, e.Err)
	}
	return fmt.Sprintf("required value %q missing at %q", e.Key, e.Expression)
}

// Unwrap returns the underlying error.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// HTTPStatus reports the status a transport should answer with.
func (e *ExtractionError) HTTPStatus() int {
	return http.StatusBadRequest
}
