// types.go: Core types, enums, and interfaces for rate limiting
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// OperationClass enumerates the limiter configurations a request can be routed to.
type OperationClass int

const (
	ClassGeneral OperationClass = iota
	ClassAuth
	ClassUpload
	ClassPublic
	ClassPremium
)

var classNames = [...]string{
	ClassGeneral: "general",
	ClassAuth:    "auth",
	ClassUpload:  "upload",
	ClassPublic:  "public",
	ClassPremium: "premium",
}

func (c OperationClass) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return fmt.Sprintf("OperationClass(%d)", int(c))
	}
	return classNames[c]
}

// ParseOperationClass resolves a class from its configuration name (case-insensitive).
func ParseOperationClass(name string) (OperationClass, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range classNames {
		if n == name {
			return OperationClass(i), nil
		}
	}
	return ClassGeneral, fmt.Errorf("unknown limiter class %q", name)
}

// AllClasses returns every operation class in declaration order.
func AllClasses() []OperationClass {
	classes := make([]OperationClass, len(classNames))
	for i := range classNames {
		classes[i] = OperationClass(i)
	}
	return classes
}

// LimiterConfig holds an immutable limit rule: at most MaxRequests per Window,
// counted under Namespace in the shared store.
type LimiterConfig struct {
	MaxRequests uint
	Window      time.Duration
	Namespace   string
}

// WindowMs returns the window length in milliseconds.
func (c LimiterConfig) WindowMs() int64 {
	return c.Window.Milliseconds()
}

// Result is the outcome of a single limit evaluation.
type Result struct {
	Success   bool
	Limit     uint
	Remaining uint
	Reset     time.Time
}

// Err reports ErrLimitExceeded for a rejected result and nil otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return ErrLimitExceeded
}

// RetryAfter returns the whole seconds until the window resets, rounded up.
func (r Result) RetryAfter(now time.Time) int64 {
	ms := r.Reset.Sub(now).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

// WindowCount is the store's view of one (namespace, identifier) counter.
type WindowCount struct {
	Count int64
	TTL   time.Duration
}

// CounterStore abstracts the shared counter backend (e.g., Redis).
// Implementations must make Increment atomic across processes.
type CounterStore interface {
	// Increment adds one to the counter and starts its expiry when the window is fresh.
	Increment(ctx context.Context, namespace, identifier string, window time.Duration) (WindowCount, error)
	// Peek reads a counter without consuming quota.
	Peek(ctx context.Context, namespace, identifier string) (WindowCount, error)
	// HealthCheck reports whether the store answered a round-trip in time.
	HealthCheck(ctx context.Context) bool
	// DeleteKeys removes all counters matching a glob pattern.
	DeleteKeys(ctx context.Context, pattern string) (int64, error)
}

// Subject is the authenticated caller as seen by the limiter.
type Subject struct {
	ID   string
	Plan string
	Role string
}

// Tier is the plan when present, otherwise the role.
func (s Subject) Tier() string {
	if s.Plan != "" {
		return strings.ToLower(s.Plan)
	}
	return strings.ToLower(s.Role)
}

// Decision is the terminal state of the request gate.
type Decision string

const (
	DecisionBypassed Decision = "bypassed"
	DecisionAllowed  Decision = "allowed"
	DecisionDenied   Decision = "denied"
	DecisionErrored  Decision = "errored"
)

// FailMode selects how the gate treats store failures.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)
