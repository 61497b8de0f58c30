package capability

import (
	"fmt"
	"net/http"
	"strings"
)

// UnresolvedError is returned when no tier binds a capability. It is a
// server configuration error.
type UnresolvedError struct {
	Capability string
}

// Error implements the error interface.
func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("no handler bound for capability %q", e.Capability)
}

// HTTPStatus reports the status a transport should answer with.
func (e *UnresolvedError) HTTPStatus() int {
	return http.StatusInternalServerError
}

// OverrideError is returned when an override reference cannot be resolved.
type OverrideError struct {
	Capability string
	Variable   string
	Reference  string
	Err        error
}

// Error implements the error interface.
func (e *OverrideError) Error() string {
	return fmt.Sprintf("override %s=%q for capability %q: %v", e.Variable, e.Reference, e.Capability, e.Err)
}

// Unwrap returns the underlying error.
func (e *OverrideError) Unwrap() error {
	return e.Err
}

// HTTPStatus reports the status a transport should answer with.
func (e *OverrideError) HTTPStatus() int {
	return http.StatusInternalServerError
}

// DiscoveryConflictError is returned when the designated script defines
// more than one conventional name for the same capability.
type DiscoveryConflictError struct {
	Capability string
	Location   string
	Symbols    []string
}

// Error implements the error interface.
func (e *DiscoveryConflictError) Error() string {
	return fmt.Sprintf("script %s defines several handlers for capability %q: %s",
		e.Location, e.Capability, strings.Join(e.Symbols, ", "))
}
