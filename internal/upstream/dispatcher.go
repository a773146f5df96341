// Package upstream wraps the asynchronous outbound HTTP client. A dispatch
// returns immediately with a Future; the completion continuation runs either
// inline on the I/O goroutine or on a separate bounded pool, selected by
// configuration at construction time.
package upstream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/routeway/gateway/internal/exchange"
)

// CompletionMode selects where dispatch continuations run.
type CompletionMode string

const (
	// CompleteInline runs the continuation on the goroutine that performed
	// the I/O, immediately after the future resolves.
	CompleteInline CompletionMode = "inline"
	// CompletePool hands the continuation to a separate fixed-size worker
	// pool, freeing the I/O goroutine immediately.
	CompletePool CompletionMode = "pool"
)

// Result is the resolved outcome of one dispatch attempt: either a raw
// upstream response with its drained body, or a classified failure.
type Result struct {
	Response *http.Response
	Body     []byte
	Failure  *Failure
	URL      string
}

// Future represents one in-flight dispatch. It resolves exactly once.
type Future struct {
	done   chan struct{}
	result Result
	cancel context.CancelFunc
}

// Done is closed when the dispatch resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the resolved outcome. Only valid after Done is closed.
func (f *Future) Result() Result { return f.result }

// Wait blocks until the dispatch resolves or ctx expires. On expiry it
// returns ctx's error; the attempt keeps running until Cancel is called.
// Only the breaker adapter blocks here — the plain path is continuation-driven.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel interrupts the in-flight attempt. The future still resolves (with a
// timeout-classified failure), so registered continuations always run.
func (f *Future) Cancel() { f.cancel() }

// Config holds dispatcher construction settings.
type Config struct {
	// Timeout bounds each plain-path dispatch attempt.
	Timeout time.Duration
	// Mode selects inline or pooled continuations.
	Mode CompletionMode
	// PoolSize is the worker count for CompletePool mode.
	PoolSize int

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Dispatcher submits outbound requests and delivers completions. It is safe
// for concurrent use.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	mode    CompletionMode
	pool    *workerPool
	logger  *slog.Logger
}

// New creates a Dispatcher. The completion mode and pool size are fixed for
// the dispatcher's lifetime so behavior is deterministic per instance.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	d := &Dispatcher{
		client:  &http.Client{Transport: transport},
		timeout: cfg.Timeout,
		mode:    cfg.Mode,
		logger:  logger,
	}
	if cfg.Mode == CompletePool {
		n := cfg.PoolSize
		if n < 1 {
			n = 1
		}
		d.pool = newWorkerPool(n)
	}
	return d
}

// Dispatch builds the outbound request from the exchange context, submits it,
// and registers onComplete to run exactly once when the attempt resolves.
// Returns the in-flight future so the breaker adapter can await it.
func (d *Dispatcher) Dispatch(cx *exchange.Context, onComplete func(Result)) *Future {
	cctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	f := &Future{done: make(chan struct{}), cancel: cancel}

	req, url, err := d.buildRequest(cctx, cx)
	if err != nil {
		// Malformed outbound request: resolve asynchronously so callers
		// see one uniform completion path.
		go func() {
			defer cancel()
			f.result = Result{Failure: &Failure{Kind: KindOther, Err: err}, URL: url}
			close(f.done)
			d.deliver(onComplete, f.result)
		}()
		return f
	}

	go func() {
		defer cancel()
		f.result = d.execute(req, url)
		close(f.done)
		d.deliver(onComplete, f.result)
	}()
	return f
}

func (d *Dispatcher) execute(req *http.Request, url string) Result {
	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Failure: Classify(err), URL: url}
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return Result{Failure: Classify(err), URL: url}
	}
	return Result{Response: resp, Body: body, URL: url}
}

func (d *Dispatcher) buildRequest(ctx context.Context, cx *exchange.Context) (*http.Request, string, error) {
	inbound := cx.Request

	url := cx.Rule.Backend + inbound.Path
	if inbound.RawQuery != "" {
		url += "?" + inbound.RawQuery
	}

	var body io.Reader
	if b := inbound.Body(); b != nil {
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, inbound.Method, url, body)
	if err != nil {
		return nil, url, err
	}
	for k, vals := range inbound.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("X-Request-ID", inbound.ID)
	return req, url, nil
}

// deliver invokes the continuation per the configured mode. In pool mode a
// full pool applies backpressure to the I/O goroutine rather than dropping
// the completion — every dispatch must resolve through its continuation.
func (d *Dispatcher) deliver(onComplete func(Result), res Result) {
	if d.mode == CompletePool {
		d.pool.Submit(func() { onComplete(res) })
		return
	}
	onComplete(res)
}

// Close drains the completion pool (if any) and releases idle connections.
func (d *Dispatcher) Close() {
	if d.pool != nil {
		d.pool.Stop()
	}
	d.client.CloseIdleConnections()
}
