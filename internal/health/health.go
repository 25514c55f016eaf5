// Package health runs named subsystem probes for the readiness endpoint.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds one CheckAll run.
const DefaultTimeout = 3 * time.Second

// Status is the result of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes one subsystem. It should honor ctx's deadline.
type Checker func(ctx context.Context) Status

type entry struct {
	name  string
	check Checker
}

// Registry holds checkers in registration order.
type Registry struct {
	timeout time.Duration

	mu      sync.RWMutex
	entries []entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry returns an empty registry, which reports healthy.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a checker. The name fills in Status.Name when the
// checker leaves it empty.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, check: check})
}

// CheckAll runs every checker in parallel under one deadline. The
// result is healthy only when every checker is.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := slices.Clone(r.entries)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out := make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			start := time.Now()
			st := e.check(ctx)
			if st.Name == "" {
				st.Name = e.name
			}
			st.LatencyMS = time.Since(start).Milliseconds()
			out[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy := !slices.ContainsFunc(out, func(s Status) bool { return !s.Healthy })
	return healthy, out
}

// Func turns an error-returning probe into a Checker.
func Func(name string, probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Database pings db.
func Database(db *sql.DB) Checker {
	return Func("database", db.PingContext)
}

// BlockSource reports a chain head.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Ledger reports the node's head block.
func Ledger(src BlockSource) Checker {
	return func(ctx context.Context) Status {
		head, err := src.BlockNumber(ctx)
		if err != nil {
			return Status{Name: "ledger", Detail: err.Error()}
		}
		return Status{Name: "ledger", Healthy: true, Detail: fmt.Sprintf("head %d", head)}
	}
}
