package calendar

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransient marks failures worth retrying later: network errors, timeouts, 5xx.
	ErrTransient = errors.New("calendar: transient failure")
	// ErrRejected marks requests the provider will never accept as sent, such as a taken slot.
	ErrRejected = errors.New("calendar: request rejected")

	errUnauthorized = errors.New("calendar: unauthorized")
)

// Error is a classified provider failure.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("calendar: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("calendar: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the failure class and the underlying cause.
func (e *Error) Unwrap() []error {
	class := ErrRejected
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		class = errUnauthorized
	case e.Retryable:
		class = ErrTransient
	}
	if e.Err != nil {
		return []error{class, e.Err}
	}
	return []error{class}
}

func statusError(op string, status int, body []byte) *Error {
	return &Error{
		Op:         op,
		StatusCode: status,
		Body:       truncate(string(body), 512),
		Retryable:  status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500,
	}
}

func transportError(op string, err error) *Error {
	return &Error{Op: op, Retryable: true, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
