// Package router implements the routing-and-resilience pipeline: breaker
// lookup, breaker-protected or plain asynchronous dispatch, completion
// resolution, bounded retry, and the terminal write+log step. All outcomes
// resolve into the exchange context's response; Route never returns an error
// to its caller.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/routeway/gateway/internal/accesslog"
	"github.com/routeway/gateway/internal/apierror"
	"github.com/routeway/gateway/internal/breaker"
	"github.com/routeway/gateway/internal/exchange"
	"github.com/routeway/gateway/internal/metrics"
	"github.com/routeway/gateway/internal/rule"
	"github.com/routeway/gateway/internal/upstream"
)

// Writer is the external write collaborator. It flushes the context's
// resolved response to the client and is called exactly once terminally.
type Writer interface {
	Write(cx *exchange.Context)
}

// Router drives one logical request through dispatch, resilience, and the
// terminal write. Safe for concurrent use; all per-request state lives on the
// exchange context.
type Router struct {
	dispatcher *upstream.Dispatcher
	breakers   atomic.Pointer[breaker.Registry]
	writer     Writer
	access     *accesslog.Logger
	logger     *slog.Logger
}

// New creates a Router.
func New(dispatcher *upstream.Dispatcher, registry *breaker.Registry, writer Writer, access *accesslog.Logger, logger *slog.Logger) *Router {
	rt := &Router{
		dispatcher: dispatcher,
		writer:     writer,
		access:     access,
		logger:     logger,
	}
	rt.breakers.Store(registry)
	return rt
}

// UpdateBreakers swaps the breaker registry, e.g. after a config reload.
// In-flight attempts keep the executor they were admitted to.
func (rt *Router) UpdateBreakers(registry *breaker.Registry) {
	rt.breakers.Store(registry)
}

// Route is the pipeline entry point. It derives the effective resilience
// path from current state — on every retry as well, so routing is never
// cached across attempts.
func (rt *Router) Route(cx *exchange.Context) {
	metrics.DispatchAttempts.WithLabelValues(cx.Rule.ID).Inc()

	if bc, ok := cx.Rule.BreakerFor(cx.Request.Path); ok {
		rt.routeProtected(cx, bc)
		return
	}
	rt.dispatch(cx, nil)
}

// dispatch submits one plain asynchronous attempt and registers the
// completion continuation. Returns the in-flight future for the breaker
// adapter to await.
func (rt *Router) dispatch(cx *exchange.Context, bc *rule.BreakerConfig) *upstream.Future {
	return rt.dispatcher.Dispatch(cx, func(res upstream.Result) {
		rt.complete(res, cx, bc)
	})
}

// routeProtected executes one attempt inside the path's isolated unit. A
// completed attempt resolves through the normal completion continuation and
// the adapter's own result is discarded; a trip serves the configured
// fallback instead and is the only terminal outcome that bypasses the
// completion resolver.
//
// Terminal-race policy: on a timeout trip the attempt is interrupted before
// its continuation can resolve, so the fallback deterministically wins the
// written transition. When the attempt fails within the bound, the fallback
// here and the continuation's resolved error response race for the
// transition; exactly one is written, and either may win.
func (rt *Router) routeProtected(cx *exchange.Context, bc *rule.BreakerConfig) {
	exec, ok := rt.breakers.Load().For(cx.Request.Path)
	if !ok {
		// Registry out of sync with the rule (mid-reload). Dispatch
		// plainly; bc still suppresses the retry gate.
		rt.dispatch(cx, bc)
		return
	}

	err := exec.Execute(func(ctx context.Context) error {
		f := rt.dispatch(cx, bc)
		res, werr := f.Wait(ctx)
		if werr != nil {
			// Bound exceeded: interrupt the in-flight attempt. Its
			// continuation still runs and loses the terminal race.
			f.Cancel()
			return werr
		}
		if res.Failure != nil {
			return res.Failure
		}
		return nil
	})
	if err == nil {
		return
	}

	reason := breaker.TripReason(err)
	metrics.FallbacksServed.WithLabelValues(bc.Path, reason).Inc()
	rt.logger.Warn("circuit breaker tripped, serving fallback",
		"path", bc.Path,
		"reason", reason,
		"rule", cx.Rule.ID,
		"request_id", cx.Request.ID,
	)

	status, header, body := bc.Fallback()
	rt.finish(cx, exchange.NewResponse(status, header, body))
}

// complete is the completion resolver, invoked exactly once per dispatch
// attempt.
func (rt *Router) complete(res upstream.Result, cx *exchange.Context, bc *rule.BreakerConfig) {
	// Step 1: the inbound payload is no longer needed once an attempt has
	// gone out. Idempotent across retries.
	cx.Request.ReleaseBody()

	// Step 2: retry gate. Transient failures on breaker-less routes retry
	// through the controller; the breaker is the resilience mechanism for
	// governed routes and suppresses retries entirely.
	if res.Failure != nil && res.Failure.Retryable() && cx.Retries() < cx.Rule.MaxRetries && bc == nil {
		rt.retry(cx)
		return
	}

	// Step 3: resolve the response, then the terminal write+log.
	rt.finish(cx, rt.resolve(res, cx))
}

// resolve turns the attempt outcome into a response. Never panics past this
// boundary: any failure while resolving becomes the standardized internal
// error.
func (rt *Router) resolve(res upstream.Result, cx *exchange.Context) (resp *exchange.Response) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("completion resolution failed",
				"error", r,
				"rule", cx.Rule.ID,
				"request_id", cx.Request.ID,
			)
			cx.SetFailure(apierror.NewInternal(fmt.Errorf("resolving completion: %v", r)))
			resp = apierror.InternalResponse(cx.Request.ID)
		}
	}()

	switch {
	case res.Failure != nil && res.Failure.Kind == upstream.KindTimeout:
		metrics.UpstreamFailures.WithLabelValues(cx.Rule.ID, res.Failure.Kind.String()).Inc()
		rt.logger.Warn("dispatch timed out", "url", res.URL, "rule", cx.Rule.ID, "request_id", cx.Request.ID)
		cx.SetFailure(apierror.NewTimeout(res.Failure.Err))
		return apierror.TimeoutResponse(cx.Request.ID)

	case res.Failure != nil:
		metrics.UpstreamFailures.WithLabelValues(cx.Rule.ID, res.Failure.Kind.String()).Inc()
		ae := apierror.NewUpstream(res.Failure.Err, cx.Rule.ID, res.URL)
		rt.logger.Warn("dispatch failed", "error", res.Failure.Err, "url", res.URL, "rule", cx.Rule.ID, "request_id", cx.Request.ID)
		cx.SetFailure(ae)
		return ae.Response(cx.Request.ID)

	default:
		return exchange.FromUpstream(res.Response, res.Body)
	}
}

// retry is the retry controller: bump the counter and resubmit the whole
// pipeline from the top with the same context. Attempts for one logical
// request are strictly sequential — this runs in the previous attempt's
// completion continuation. Deliberately not recovered: a failure here is an
// unrecoverable bug signal and must propagate.
func (rt *Router) retry(cx *exchange.Context) {
	attempt := cx.IncRetries()
	metrics.RetryTotal.WithLabelValues(cx.Rule.ID).Inc()
	rt.logger.Debug("retrying dispatch",
		"rule", cx.Rule.ID,
		"path", cx.Request.Path,
		"retry", attempt,
		"max_retries", cx.Rule.MaxRetries,
		"request_id", cx.Request.ID,
	)
	rt.Route(cx)
}

// finish performs the terminal step: win the single-assignment written
// transition, write to the client, emit the access-log record and request
// metrics. Racing duplicate completions lose the transition and drop their
// response here.
func (rt *Router) finish(cx *exchange.Context, resp *exchange.Response) {
	if !cx.Complete(resp) {
		return
	}

	rt.writer.Write(cx)
	rt.access.Log(cx)

	metrics.RequestsTotal.WithLabelValues(cx.Rule.ID, cx.Request.Method, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(cx.Rule.ID, cx.Request.Method).Observe(cx.Request.Elapsed().Seconds())
}
