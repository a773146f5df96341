package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/routeway/gateway/internal/metrics"
)

// Trip signals. Any non-nil error from Execute means the attempt did not
// complete normally and the caller must serve the configured fallback.
var (
	// ErrPoolExhausted: the isolated pool was at capacity. Admission beyond
	// the bound trips immediately; attempts never queue.
	ErrPoolExhausted = errors.New("breaker: isolated pool exhausted")
	// ErrOpen: the failure-rate breaker rejected the attempt.
	ErrOpen = errors.New("breaker: circuit open")
	// ErrTimeout: the attempt exceeded the configured bound and was
	// interrupted.
	ErrTimeout = errors.New("breaker: attempt timed out")
)

// TripReason labels a trip for metrics and logs.
func TripReason(err error) string {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrOpen):
		return "open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// Executor is the bounded-concurrency execution unit for one protected path.
// It admits at most maxConcurrent attempts, bounds each with a hard timeout,
// and feeds outcomes to the failure-rate breaker. This is the only blocking
// boundary in the pipeline: the wait is confined to the caller's goroutine,
// inside an admitted slot.
type Executor struct {
	path    string
	sem     chan struct{}
	timeout time.Duration
	circuit *FailureRateBreaker
	logger  *slog.Logger
}

// NewExecutor creates the isolated execution unit for a path.
func NewExecutor(path string, maxConcurrent int, timeout time.Duration, circuit *FailureRateBreaker, logger *slog.Logger) *Executor {
	return &Executor{
		path:    path,
		sem:     make(chan struct{}, maxConcurrent),
		timeout: timeout,
		circuit: circuit,
		logger:  logger,
	}
}

// Circuit exposes the underlying failure-rate breaker for inspection and
// reset via the admin API.
func (e *Executor) Circuit() *FailureRateBreaker { return e.circuit }

// Execute runs one attempt inside an isolated slot with the configured
// timeout. The task receives a context that expires at the bound; it must
// return once the attempt resolves or the context is done. A nil return is
// recorded as success; any error or the deadline expiring is recorded as a
// failure and returned as a trip.
func (e *Executor) Execute(task func(ctx context.Context) error) error {
	select {
	case e.sem <- struct{}{}:
	default:
		// At capacity: trip, do not queue.
		metrics.IsolationRejections.WithLabelValues(e.path).Inc()
		return ErrPoolExhausted
	}
	metrics.IsolationInFlight.WithLabelValues(e.path).Set(float64(len(e.sem)))
	defer func() {
		<-e.sem
		metrics.IsolationInFlight.WithLabelValues(e.path).Set(float64(len(e.sem)))
	}()

	if !e.circuit.Allow() {
		return ErrOpen
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	err := task(ctx)
	latency := time.Since(start)

	switch {
	case err == nil:
		e.circuit.RecordSuccess(latency)
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		e.circuit.RecordFailure(latency)
		e.logger.Warn("breaker attempt timed out", "path", e.path, "timeout", e.timeout)
		return ErrTimeout
	default:
		e.circuit.RecordFailure(latency)
		return err
	}
}
