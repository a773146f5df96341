package breaker

import (
	"log/slog"
	"sort"

	"github.com/routeway/gateway/internal/rule"
)

// Registry holds one Executor per breaker-governed path. Built once from the
// rule table; the isolated pool and circuit state for a path are shared by
// all concurrent requests to that path.
type Registry struct {
	execs map[string]*Executor
}

// NewRegistry builds executors for every breaker config in the table.
func NewRegistry(table *rule.Table, logger *slog.Logger) *Registry {
	execs := make(map[string]*Executor)
	for _, r := range table.Rules() {
		for _, bc := range r.Breakers() {
			circuit := NewFailureRateBreaker(bc.Path, bc.WindowSize, bc.FailureThreshold, bc.ResetTimeout, bc.HalfOpenMax, logger)
			execs[bc.Path] = NewExecutor(bc.Path, bc.MaxConcurrent, bc.Timeout, circuit, logger)
		}
	}
	return &Registry{execs: execs}
}

// For returns the executor for an exactly matching path.
func (r *Registry) For(path string) (*Executor, bool) {
	e, ok := r.execs[path]
	return e, ok
}

// Paths returns the protected paths in sorted order.
func (r *Registry) Paths() []string {
	paths := make([]string, 0, len(r.execs))
	for p := range r.execs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
