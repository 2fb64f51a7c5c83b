// Package errors defines the failure taxonomy of placeholder resolution.
//
// Every failure is local to the placeholder that produced it. Callers compare
// against the sentinel values with errors.Is; the structured Error type carries
// a machine-readable code plus the underlying cause.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMissingPinID indicates that no concrete document id could be
	// determined for a placeholder, so no fetch was attempted.
	ErrMissingPinID = errors.New("missing pin id")

	// ErrFetchFailure indicates that the dataset could not be fetched from the
	// collaborator API (transport error or non-success response).
	ErrFetchFailure = errors.New("dataset fetch failed")

	// ErrPathNotFound indicates that a json path did not resolve inside a
	// dataset payload.
	ErrPathNotFound = errors.New("path not found")

	// ErrChannelError indicates that the live channel reported a failure.
	ErrChannelError = errors.New("live channel error")
)

// Error codes carried by Error.
const (
	CodeMissingPinID = "MISSING_PIN_ID"
	CodeFetchFailure = "FETCH_FAILURE"
	CodePathNotFound = "PATH_NOT_FOUND"
	CodeChannelError = "CHANNEL_ERROR"
)

// Error represents a structured resolution error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Status is the HTTP status of a failed fetch, zero otherwise
	Status int

	// Path is the json path that failed to resolve, if any
	Path string

	kind error
	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewMissingPinIDError reports a placeholder whose scope did not yield a document id.
func NewMissingPinIDError(fullPath string) *Error {
	return &Error{
		Code:    CodeMissingPinID,
		Message: fmt.Sprintf("no document id for %q", fullPath),
		kind:    ErrMissingPinID,
	}
}

// NewFetchError reports a failed dataset fetch. status is zero for transport errors.
func NewFetchError(status int, err error) *Error {
	msg := "dataset request failed"
	if status != 0 {
		msg = fmt.Sprintf("dataset request returned %d %s", status, http.StatusText(status))
	}
	return &Error{
		Code:    CodeFetchFailure,
		Message: msg,
		Status:  status,
		kind:    ErrFetchFailure,
		Err:     err,
	}
}

// NewPathNotFoundError reports a json path that did not resolve.
func NewPathNotFoundError(path string) *Error {
	return &Error{
		Code:    CodePathNotFound,
		Message: fmt.Sprintf("path %q not found", path),
		Path:    path,
		kind:    ErrPathNotFound,
	}
}

// NewChannelError reports a live channel failure.
func NewChannelError(message string, err error) *Error {
	return &Error{
		Code:    CodeChannelError,
		Message: message,
		kind:    ErrChannelError,
		Err:     err,
	}
}

// IsMissingPinID checks if an error is a missing pin id error
func IsMissingPinID(err error) bool {
	return errors.Is(err, ErrMissingPinID)
}

// IsFetchFailure checks if an error is a fetch failure
func IsFetchFailure(err error) bool {
	return errors.Is(err, ErrFetchFailure)
}

// IsPathNotFound checks if an error is a path not found error
func IsPathNotFound(err error) bool {
	return errors.Is(err, ErrPathNotFound)
}

// IsChannelError checks if an error is a live channel error
func IsChannelError(err error) bool {
	return errors.Is(err, ErrChannelError)
}

// Code returns the code of a structured error, or an empty string.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
