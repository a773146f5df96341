// Package server is the inbound transport boundary. It matches requests to
// routing rules, builds the exchange context, hands it to the router, and
// blocks until the pipeline's terminal write resolves the response. The
// pipeline guarantees exactly one response per request, so the handler never
// hangs outside the fatal retry-path class.
package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/routeway/gateway/internal/apierror"
	"github.com/routeway/gateway/internal/exchange"
	"github.com/routeway/gateway/internal/metrics"
	"github.com/routeway/gateway/internal/middleware"
	"github.com/routeway/gateway/internal/router"
	"github.com/routeway/gateway/internal/rule"
)

// hop-by-hop headers are stripped from upstream responses before they reach
// the client connection.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Handler accepts inbound requests and drives them through the pipeline.
type Handler struct {
	rules   atomic.Pointer[rule.Table]
	router  *router.Router
	trusted []*net.IPNet
	maxBody int64
	logger  *slog.Logger
}

// New creates a Handler. trustedProxies holds CIDRs whose X-Forwarded-For
// headers are honored when deriving the client IP.
func New(table *rule.Table, rt *router.Router, trustedProxies []string, maxBody int64, logger *slog.Logger) *Handler {
	h := &Handler{
		router:  rt,
		maxBody: maxBody,
		logger:  logger,
	}
	h.rules.Store(table)
	for _, cidr := range trustedProxies {
		if _, ipNet, err := net.ParseCIDR(cidr); err == nil {
			h.trusted = append(h.trusted, ipNet)
		}
	}
	return h
}

// UpdateRules swaps the rule table, e.g. after a config reload.
func (h *Handler) UpdateRules(table *rule.Table) {
	h.rules.Store(table)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	matched, ok := h.rules.Load().Match(r.URL.Path)
	if !ok {
		h.logger.Debug("no matching rule", "path", r.URL.Path)
		apierror.WriteJSON(w, http.StatusNotFound, apierror.RouteNotFound, "no matching route", middleware.GetRequestID(r.Context()))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		apierror.WriteJSON(w, http.StatusRequestEntityTooLarge, apierror.InternalError, "request body too large", middleware.GetRequestID(r.Context()))
		return
	}

	req := exchange.NewRequest(
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Clone(),
		h.clientIP(r),
		middleware.GetRequestID(r.Context()),
		body,
	)

	conn := newClientConn(w)
	cx := exchange.New(matched, req, conn)

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	h.router.Route(cx)

	// Completion is signaled through the context's written flag; the write
	// collaborator closes done after flushing. Block until then — the
	// handler must not return while the pipeline may still touch w.
	<-conn.done
}

// clientIP derives the client address, honoring X-Forwarded-For only when
// the direct peer is a trusted proxy.
func (h *Handler) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && h.isTrusted(host) {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return host
}

func (h *Handler) isTrusted(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range h.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientConn binds one request's ResponseWriter to the pipeline's write
// collaborator and signals the handler when the response has been flushed.
type clientConn struct {
	w    http.ResponseWriter
	done chan struct{}
	once sync.Once
}

func newClientConn(w http.ResponseWriter) *clientConn {
	return &clientConn{w: w, done: make(chan struct{})}
}

// WriteResponse flushes a resolved response to the client. The pipeline's
// written flag already guarantees a single call; the once is a backstop so a
// misbehaving caller cannot corrupt the connection.
func (c *clientConn) WriteResponse(resp *exchange.Response) {
	c.once.Do(func() {
		for k, vals := range resp.Header {
			if hopByHop[http.CanonicalHeaderKey(k)] {
				continue
			}
			for _, v := range vals {
				c.w.Header().Add(k, v)
			}
		}
		c.w.WriteHeader(resp.StatusCode)
		c.w.Write(resp.Body) //nolint:errcheck
		close(c.done)
	})
}

// ResponseWriter is the terminal write collaborator handed to the router.
type ResponseWriter struct{}

// Write flushes the context's resolved response to its client connection.
func (ResponseWriter) Write(cx *exchange.Context) {
	cx.Client().WriteResponse(cx.Response())
}
