package scripting

import (
	"errors"
	"fmt"

	"github.com/openfroyo/hostkit/pkg/handler"
)

// ScriptError reports a failure raised inside script code.
type ScriptError struct {
	Location  string
	Symbol    string
	Backtrace string
	Err       error
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	where := e.Location
	if e.Symbol != "" {
		where += ":" + e.Symbol
	}
	if e.Backtrace != "" {
		return fmt.Sprintf("script %s failed: %s", where, e.Backtrace)
	}
	return fmt.Sprintf("script %s failed: %v", where, e.Err)
}

// Unwrap returns the underlying error.
func (e *ScriptError) Unwrap() error {
	return e.Err
}

// statusFrom returns the StatusError a script raised with abort(), if any.
func statusFrom(err error) (*handler.StatusError, bool) {
	var se *handler.StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
