package handler

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is an error that carries the transport status it should be
// reported with.
type StatusError struct {
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *StatusError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code, or 500 when Status is not a valid
// HTTP status.
func (e *StatusError) HTTPStatus() int {
	if !ValidStatus(e.Status) {
		return http.StatusInternalServerError
	}
	return e.Status
}

// ValidStatus reports whether code can be written as an HTTP status.
func ValidStatus(code int) bool {
	return code >= 100 && code <= 999
}

// BadRequest wraps err as a client error.
func BadRequest(message string, err error) *StatusError {
	return &StatusError{Status: http.StatusBadRequest, Message: message, Err: err}
}

// Internal wraps err as a server-side configuration error.
func Internal(message string, err error) *StatusError {
	return &StatusError{Status: http.StatusInternalServerError, Message: message, Err: err}
}

// StatusCoder is implemented by errors that know their transport status.
type StatusCoder interface {
	HTTPStatus() int
}

// StatusOf returns the transport status for err. Errors that do not carry a
// status are server errors.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sc StatusCoder
	if errors.As(err, &sc) && ValidStatus(sc.HTTPStatus()) {
		return sc.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Detail returns the client-facing message for err.
func Detail(err error) string {
	var se *StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}
