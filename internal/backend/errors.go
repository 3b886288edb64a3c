// ABOUTME: Error types returned by the dispatcher.
// ABOUTME: RequestError describes one failed backend call, ExhaustedError a failed dispatch.

package backend

import (
	"errors"
	"fmt"
)

// ErrExhaustedBackends indicates every backend attempted for a call failed.
var ErrExhaustedBackends = errors.New("all backends failed")

// RequestError is a network or HTTP failure against a single backend.
type RequestError struct {
	Endpoint   string
	Path       string
	StatusCode int    // zero when no response was received
	Message    string // response body excerpt for non-2xx statuses
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("backend %s%s: %v", e.Endpoint, e.Path, e.Err)
	case e.Message != "":
		return fmt.Sprintf("backend %s%s returned status %d: %s", e.Endpoint, e.Path, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("backend %s%s returned status %d", e.Endpoint, e.Path, e.StatusCode)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned when every attempted backend failed.
// It matches ErrExhaustedBackends and unwraps to the last backend error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempt(s): %v", ErrExhaustedBackends, e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhaustedBackends
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
