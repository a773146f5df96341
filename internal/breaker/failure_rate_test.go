package breaker

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFailureRate_OpensAtThreshold(t *testing.T) {
	b := NewFailureRateBreaker("/api/x", 4, 0.5, time.Minute, 1, discardLogger())

	// Window not yet full: failures alone must not open the circuit.
	b.RecordFailure(time.Millisecond)
	b.RecordFailure(time.Millisecond)
	if b.State() != StateClosed {
		t.Fatal("breaker opened before the window filled")
	}

	b.RecordSuccess(time.Millisecond)
	b.RecordFailure(time.Millisecond)

	// 3 failures out of 4: rate 0.75 >= 0.5.
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker must reject")
	}
}

func TestFailureRate_StaysClosedBelowThreshold(t *testing.T) {
	b := NewFailureRateBreaker("/api/x", 4, 0.5, time.Minute, 1, discardLogger())

	b.RecordSuccess(time.Millisecond)
	b.RecordSuccess(time.Millisecond)
	b.RecordSuccess(time.Millisecond)
	b.RecordFailure(time.Millisecond)

	// 1 failure out of 4: rate 0.25 < 0.5.
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker must admit")
	}
}

func TestFailureRate_SlidingWindowEvictsOldest(t *testing.T) {
	b := NewFailureRateBreaker("/api/x", 3, 0.67, time.Minute, 1, discardLogger())

	b.RecordFailure(time.Millisecond)
	b.RecordFailure(time.Millisecond)
	b.RecordSuccess(time.Millisecond)
	if b.State() != StateClosed {
		t.Fatal("2/3 failures is below the 0.67 threshold")
	}

	// Oldest failure slides out, a success slides in: 1/3 failing.
	b.RecordSuccess(time.Millisecond)
	if b.State() != StateClosed {
		t.Fatal("breaker must stay closed as failures age out")
	}
}

func TestFailureRate_HalfOpenRecovery(t *testing.T) {
	b := NewFailureRateBreaker("/api/x", 2, 0.5, 20*time.Millisecond, 2, discardLogger())

	b.RecordFailure(time.Millisecond)
	b.RecordFailure(time.Millisecond)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(30 * time.Millisecond)

	// First Allow after the reset timeout transitions to half-open.
	if !b.Allow() {
		t.Fatal("expected a probe to be admitted after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	b.RecordSuccess(time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatal("one success should not close a breaker requiring two")
	}
	b.RecordSuccess(time.Millisecond)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after enough probe successes, got %s", b.State())
	}
}

func TestFailureRate_HalfOpenFailureReopens(t *testing.T) {
	b := NewFailureRateBreaker("/api/x", 2, 0.5, 10*time.Millisecond, 2, discardLogger())

	b.RecordFailure(time.Millisecond)
	b.RecordFailure(time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	if b.State() != StateHalfOpen {
		t.Fatal("expected half-open")
	}

	b.RecordFailure(time.Millisecond)
	if b.State() != StateOpen {
		t.Fatalf("probe failure must reopen, got %s", b.State())
	}
}

func TestFailureRate_Reset(t *testing.T) {
	b := NewFailureRateBreaker("/api/x", 2, 0.5, time.Minute, 1, discardLogger())

	b.RecordFailure(time.Millisecond)
	b.RecordFailure(time.Millisecond)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatal("reset breaker must admit")
	}

	// The window is cleared: a single failure must not re-open.
	b.RecordFailure(time.Millisecond)
	if b.State() != StateClosed {
		t.Fatal("stale window outcomes survived the reset")
	}
}
