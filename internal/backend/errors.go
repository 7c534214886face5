package backend

import (
	"errors"
	"fmt"
)

// TransportError is a network-level failure: connection refused, reset,
// or the per-call timeout elapsing.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a failure reported by the backend itself, either through a
// non-2xx status or an explicit success:false payload.
type APIError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: backend returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Detail, e.StatusCode)
}

func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout
}

func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == 404
}

// Message returns the most user-presentable text for err.
func Message(err error) string {
	var ae *APIError
	if errors.As(err, &ae) && ae.Detail != "" {
		return ae.Detail
	}
	var te *TransportError
	if errors.As(err, &te) {
		if te.Timeout {
			return "backend did not answer in time"
		}
		return "backend unreachable"
	}
	return err.Error()
}
