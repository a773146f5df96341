package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// FailureKind classifies a dispatch failure for the retry gate.
type FailureKind int

const (
	// KindTimeout covers deadline expiry, both from the plain-path dispatch
	// timeout and from a breaker interrupting an in-flight attempt.
	KindTimeout FailureKind = iota
	// KindConnection covers I/O and connection-level errors: refused,
	// reset, unexpected EOF, DNS failures.
	KindConnection
	// KindOther covers everything else. Never retried.
	KindOther
)

// String returns the failure kind label used in logs and metrics.
func (k FailureKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	default:
		return "other"
	}
}

// Failure is a classified dispatch error.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("upstream dispatch failed (%s): %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether this failure kind is transient: timeouts and
// connection errors may be retried, everything else is terminal.
func (f *Failure) Retryable() bool {
	return f.Kind == KindTimeout || f.Kind == KindConnection
}

// Classify maps a transport error onto a failure kind. Cancellation is folded
// into the timeout kind: the only cancellation source in the pipeline is a
// breaker interrupting an attempt at its deadline.
func Classify(err error) *Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Failure{Kind: KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Kind: KindTimeout, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Failure{Kind: KindConnection, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Failure{Kind: KindConnection, Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Failure{Kind: KindConnection, Err: err}
	}

	return &Failure{Kind: KindOther, Err: err}
}
