package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrLimitExceeded marks a request rejected for exhausting its quota.
	ErrLimitExceeded = errors.New("rate limit exceeded")
	// ErrStoreUnavailable marks any failure talking to the counter store.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
	// ErrConfigurationMissing marks required configuration absent at startup.
	ErrConfigurationMissing = errors.New("rate limit configuration missing")
)

// StoreError wraps a counter store failure with the operation that caused it.
type StoreError struct {
	Op        string
	Namespace string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Namespace == "" {
		return fmt.Sprintf("ratelimit store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ratelimit store %s [%s]: %v", e.Op, e.Namespace, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is.
func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

func storeError(op, namespace string, err error) error {
	return &StoreError{Op: op, Namespace: namespace, Err: err}
}
