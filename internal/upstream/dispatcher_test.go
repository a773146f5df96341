package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/routeway/gateway/internal/exchange"
	"github.com/routeway/gateway/internal/rule"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newContext(backend, path string, body []byte) *exchange.Context {
	r := rule.New("test", "/api", backend, 0, nil)
	h := make(http.Header)
	h.Set("X-Inbound", "yes")
	req := exchange.NewRequest("POST", path, "q=1", h, "10.0.0.1", "req-123", body)
	return exchange.New(r, req, nil)
}

func TestDispatch_Success(t *testing.T) {
	var gotID, gotHeader, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-ID")
		gotHeader = r.Header.Get("X-Inbound")
		gotQuery = r.URL.RawQuery
		w.WriteHeader(201)
		w.Write([]byte("created"))
	}))
	defer srv.Close()

	d := New(Config{Timeout: time.Second, Mode: CompleteInline}, discardLogger())
	defer d.Close()

	cx := newContext(srv.URL, "/api/x", []byte("payload"))
	resCh := make(chan Result, 1)
	d.Dispatch(cx, func(res Result) { resCh <- res })

	res := <-resCh
	if res.Failure != nil {
		t.Fatalf("unexpected failure: %v", res.Failure)
	}
	if res.Response.StatusCode != 201 {
		t.Fatalf("expected 201, got %d", res.Response.StatusCode)
	}
	if string(res.Body) != "created" {
		t.Fatalf("unexpected body: %q", res.Body)
	}
	if gotID != "req-123" {
		t.Fatalf("request ID not propagated: %q", gotID)
	}
	if gotHeader != "yes" {
		t.Fatal("inbound headers not forwarded")
	}
	if gotQuery != "q=1" {
		t.Fatalf("query not forwarded: %q", gotQuery)
	}
}

func TestDispatch_TimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	d := New(Config{Timeout: 30 * time.Millisecond, Mode: CompleteInline}, discardLogger())
	defer d.Close()

	resCh := make(chan Result, 1)
	d.Dispatch(newContext(srv.URL, "/api/x", nil), func(res Result) { resCh <- res })

	res := <-resCh
	if res.Failure == nil {
		t.Fatal("expected a failure")
	}
	if res.Failure.Kind != KindTimeout {
		t.Fatalf("expected timeout kind, got %s", res.Failure.Kind)
	}
	if !res.Failure.Retryable() {
		t.Fatal("timeouts must be retryable")
	}
}

func TestDispatch_ConnectionRefusedClassified(t *testing.T) {
	// Grab a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	d := New(Config{Timeout: time.Second, Mode: CompleteInline}, discardLogger())
	defer d.Close()

	resCh := make(chan Result, 1)
	d.Dispatch(newContext("http://"+addr, "/api/x", nil), func(res Result) { resCh <- res })

	res := <-resCh
	if res.Failure == nil {
		t.Fatal("expected a failure")
	}
	if res.Failure.Kind != KindConnection {
		t.Fatalf("expected connection kind, got %s", res.Failure.Kind)
	}
	if !res.Failure.Retryable() {
		t.Fatal("connection errors must be retryable")
	}
}

func TestDispatch_MalformedRequestResolvesFuture(t *testing.T) {
	d := New(Config{Timeout: time.Second, Mode: CompleteInline}, discardLogger())
	defer d.Close()

	// Invalid method forces http.NewRequest to fail.
	r := rule.New("test", "/api", "http://backend", 0, nil)
	req := exchange.NewRequest("BAD METHOD", "/api/x", "", make(http.Header), "", "id", nil)
	cx := exchange.New(r, req, nil)

	resCh := make(chan Result, 1)
	f := d.Dispatch(cx, func(res Result) { resCh <- res })

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("future never resolved")
	}

	res := <-resCh
	if res.Failure == nil || res.Failure.Kind != KindOther {
		t.Fatalf("expected a non-retryable failure, got %+v", res.Failure)
	}
	if res.Failure.Retryable() {
		t.Fatal("build errors must not be retryable")
	}
}

func TestDispatch_ContinuationRunsExactlyOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := New(Config{Timeout: time.Second, Mode: CompleteInline}, discardLogger())
	defer d.Close()

	var calls int32
	f := d.Dispatch(newContext(srv.URL, "/api/x", nil), func(res Result) {
		atomic.AddInt32(&calls, 1)
	})
	<-f.Done()
	time.Sleep(20 * time.Millisecond)

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("continuation ran %d times", n)
	}
}

func TestDispatch_PoolModeDeliversAllCompletions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := New(Config{Timeout: time.Second, Mode: CompletePool, PoolSize: 2}, discardLogger())
	defer d.Close()

	const n = 10
	var wg sync.WaitGroup
	var calls int32
	wg.Add(n)
	for i := 0; i < n; i++ {
		d.Dispatch(newContext(srv.URL, "/api/x", nil), func(res Result) {
			atomic.AddInt32(&calls, 1)
			wg.Done()
		})
	}
	wg.Wait()

	if atomic.LoadInt32(&calls) != n {
		t.Fatalf("expected %d completions, got %d", n, calls)
	}
}

func TestFuture_WaitAndCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := New(Config{Timeout: 5 * time.Second, Mode: CompleteInline}, discardLogger())
	defer d.Close()

	resCh := make(chan Result, 1)
	f := d.Dispatch(newContext(srv.URL, "/api/x", nil), func(res Result) { resCh <- res })

	// Wait with a short deadline: the attempt is still in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// Cancel interrupts the attempt; the continuation still runs.
	f.Cancel()
	select {
	case res := <-resCh:
		if res.Failure == nil || res.Failure.Kind != KindTimeout {
			t.Fatalf("expected a timeout-classified failure, got %+v", res.Failure)
		}
	case <-time.After(time.Second):
		t.Fatal("continuation never ran after cancel")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindTimeout},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindConnection},
		{"dns", &net.DNSError{Name: "nohost"}, KindConnection},
		{"eof", io.EOF, KindConnection},
		{"unexpected eof", io.ErrUnexpectedEOF, KindConnection},
		{"other", errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).Kind; got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}
