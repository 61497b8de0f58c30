package reference

import (
	"errors"
	"fmt"
	"strings"
)

// MalformedReferenceError is returned when a reference string is not of the
// form "location:symbol".
type MalformedReferenceError struct {
	Reference string
	Reason    string
}

// Error implements the error interface.
func (e *MalformedReferenceError) Error() string {
	return fmt.Sprintf("malformed reference %q: %s", e.Reference, e.Reason)
}

// SymbolNotFoundError is returned when a unit loads but does not define the
// requested symbol, or defines it as something other than a callable.
type SymbolNotFoundError struct {
	Location  string
	Symbol    string
	Available []string
}

// Error implements the error interface.
func (e *SymbolNotFoundError) Error() string {
	msg := fmt.Sprintf("symbol %q not found in %s", e.Symbol, e.Location)
	if len(e.Available) > 0 {
		msg += fmt.Sprintf(" (available: %s)", strings.Join(e.Available, ", "))
	}
	return msg
}

// UnitNotFoundError is returned when the location does not name an existing
// file or a registered module.
type UnitNotFoundError struct {
	Location string
}

// Error implements the error interface.
func (e *UnitNotFoundError) Error() string {
	return fmt.Sprintf("code unit not found: %s", e.Location)
}

// LoadError is returned when a unit exists but fails to load, for example a
// script with a syntax error or failing top-level code.
type LoadError struct {
	Location string
	Err      error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Location, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the unit or symbol does not exist.
func IsNotFound(err error) bool {
	var unit *UnitNotFoundError
	var sym *SymbolNotFoundError
	return errors.As(err, &unit) || errors.As(err, &sym)
}
