// Package breaker provides the per-path resilience unit for breaker-governed
// routes: a sliding-window failure-rate breaker composed with an isolated
// concurrency pool and a hard attempt timeout. A trip — open circuit, full
// pool, timeout, or attempt error — resolves into the route's configured
// fallback instead of propagating the failure.
package breaker

import "time"

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; attempts pass through.
	StateOpen                  // Failing; attempts are rejected immediately.
	StateHalfOpen              // Probing; limited attempts test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is the failure-tracking half of the resilience unit.
type Breaker interface {
	// Allow reports whether an attempt may proceed. Returns false when the
	// circuit is open.
	Allow() bool

	// RecordSuccess records a completed attempt with its latency.
	RecordSuccess(latency time.Duration)

	// RecordFailure records a failed or aborted attempt with its latency.
	RecordFailure(latency time.Duration)

	// State returns the current circuit state.
	State() State

	// Reset forces the breaker back to closed.
	Reset()
}
