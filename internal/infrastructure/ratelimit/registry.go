package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Registry holds one limiter per operation class. It is built once at startup
// and shared read-only by the gate and the admin API.
type Registry struct {
	store    CounterStore
	limiters map[OperationClass]*SlidingWindow
}

// NewRegistry validates the limiter table and builds the limiters.
func NewRegistry(store CounterStore, table map[OperationClass]LimiterConfig) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("counter store: %w", ErrConfigurationMissing)
	}
	if err := ValidateTable(table); err != nil {
		return nil, err
	}

	r := &Registry{
		store:    store,
		limiters: make(map[OperationClass]*SlidingWindow, len(table)),
	}
	for class, cfg := range table {
		r.limiters[class] = NewSlidingWindow(class, cfg, store)
	}
	return r, nil
}

// ValidateTable checks that every class is configured with a usable rule and
// that no two classes share a namespace.
func ValidateTable(table map[OperationClass]LimiterConfig) error {
	namespaces := make(map[string]OperationClass, len(table))
	for _, class := range AllClasses() {
		cfg, ok := table[class]
		if !ok {
			return fmt.Errorf("limiter %q: %w", class, ErrConfigurationMissing)
		}
		if cfg.MaxRequests == 0 {
			return fmt.Errorf("limiter %q: max requests must be positive", class)
		}
		if cfg.Window < time.Millisecond {
			return fmt.Errorf("limiter %q: window must be at least 1ms, got %s", class, cfg.Window)
		}
		if cfg.Namespace == "" {
			return fmt.Errorf("limiter %q namespace: %w", class, ErrConfigurationMissing)
		}
		if other, dup := namespaces[cfg.Namespace]; dup {
			return fmt.Errorf("limiters %q and %q share namespace %q", other, class, cfg.Namespace)
		}
		namespaces[cfg.Namespace] = class
	}
	return nil
}

// Get returns the limiter for class, falling back to the general limiter.
func (r *Registry) Get(class OperationClass) *SlidingWindow {
	if l, ok := r.limiters[class]; ok {
		return l
	}
	return r.limiters[ClassGeneral]
}

// Classes lists the configured classes in declaration order.
func (r *Registry) Classes() []OperationClass {
	classes := make([]OperationClass, 0, len(r.limiters))
	for _, c := range AllClasses() {
		if _, ok := r.limiters[c]; ok {
			classes = append(classes, c)
		}
	}
	return classes
}

func (r *Registry) Store() CounterStore { return r.store }

// Clear deletes the counters for identifier in the given classes, or in every
// class when none are given. It returns the number of keys removed.
func (r *Registry) Clear(ctx context.Context, identifier string, classes ...OperationClass) (int64, error) {
	if len(classes) == 0 {
		classes = r.Classes()
	}
	var total int64
	for _, class := range classes {
		n, err := r.store.DeleteKeys(ctx, KeyPattern(r.Get(class).Config().Namespace, identifier))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// LimiterStatus is a read-only snapshot of one identifier's window in one class.
type LimiterStatus struct {
	Limiter   string    `json:"limiter"`
	Namespace string    `json:"namespace"`
	Limit     uint      `json:"limit"`
	Count     int64     `json:"count"`
	Remaining uint      `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Status peeks at identifier's counters across all classes.
func (r *Registry) Status(ctx context.Context, identifier string) ([]LimiterStatus, error) {
	out := make([]LimiterStatus, 0, len(r.limiters))
	for _, class := range r.Classes() {
		l := r.limiters[class]
		res, count, err := l.Status(ctx, identifier)
		if err != nil {
			return nil, err
		}
		out = append(out, LimiterStatus{
			Limiter:   class.String(),
			Namespace: l.Config().Namespace,
			Limit:     res.Limit,
			Count:     count,
			Remaining: res.Remaining,
			Reset:     res.Reset,
		})
	}
	return out, nil
}
