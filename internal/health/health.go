// Package health runs named subsystem checks for the /health endpoints.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout bounds each check when the registry has no other limit.
const DefaultTimeout = 2 * time.Second

// Status is the outcome of one check.
type Status struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	Detail    string  `json:"detail,omitempty"`
	LatencyMS float64 `json:"latencyMs"`
}

// Checker probes a subsystem. A non-nil error marks it unhealthy; detail is
// reported either way.
type Checker func(ctx context.Context) (detail string, err error)

type entry struct {
	name  string
	check Checker
}

// Registry holds checks in registration order.
type Registry struct {
	timeout time.Duration

	mu      sync.RWMutex
	entries []entry
}

// NewRegistry returns a registry whose checks each get DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a check under name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, check: check})
}

// CheckAll runs every check concurrently and reports whether all passed.
// Statuses come back in registration order. A check that outlives its
// deadline is reported unhealthy without waiting for it.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, e)
		}()
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}

type result struct {
	detail string
	err    error
}

func (r *Registry) run(ctx context.Context, e entry) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("check panicked: %v", p)}
			}
		}()
		detail, err := e.check(ctx)
		done <- result{detail: detail, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}

	st := Status{
		Name:      e.name,
		Healthy:   res.err == nil,
		Detail:    res.detail,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if res.err != nil {
		st.Detail = res.err.Error()
	}
	return st
}

// DBChecker pings db.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) (string, error) {
		if err := db.PingContext(ctx); err != nil {
			return "", err
		}
		stats := db.Stats()
		return fmt.Sprintf("%d open, %d in use", stats.OpenConnections, stats.InUse), nil
	}
}

// Static always passes with a fixed detail, e.g. the storage backend in use.
func Static(detail string) Checker {
	return func(context.Context) (string, error) {
		return detail, nil
	}
}
