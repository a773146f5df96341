// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routeway/gateway/internal/breaker"
	"github.com/routeway/gateway/internal/rule"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints.
type Handler struct {
	rules    atomic.Pointer[rule.Table]
	breakers atomic.Pointer[breaker.Registry]
	logger   *slog.Logger

	// Cached readiness result to avoid TCP-dialling every backend on
	// every /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler over the rule table and breaker registry.
func New(rules *rule.Table, breakers *breaker.Registry, logger *slog.Logger) *Handler {
	h := &Handler{logger: logger}
	h.rules.Store(rules)
	h.breakers.Store(breakers)
	return h
}

// Update swaps the rule table and breaker registry after a config reload and
// drops the cached readiness result so the next probe sees the new backends.
func (h *Handler) Update(rules *rule.Table, breakers *breaker.Registry) {
	h.rules.Store(rules)
	h.breakers.Store(breakers)
	h.cacheMu.Lock()
	h.cachedResult = nil
	h.cacheMu.Unlock()
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body) //nolint:errcheck
		return
	}
	h.cacheMu.RUnlock()

	type backendResult struct {
		id     string
		status string
		ok     bool
	}

	rules := h.rules.Load().Rules()
	registry := h.breakers.Load()
	ch := make(chan backendResult, len(rules))
	for _, rl := range rules {
		go func(rl *rule.Rule) {
			// Fast path: a breaker that is open for any of the rule's
			// paths is a definitive signal.
			for _, bc := range rl.Breakers() {
				if exec, ok := registry.For(bc.Path); ok {
					switch exec.Circuit().State() {
					case breaker.StateOpen:
						ch <- backendResult{id: rl.ID, status: "circuit-open", ok: false}
						return
					case breaker.StateHalfOpen:
						ch <- backendResult{id: rl.ID, status: "circuit-half-open", ok: true}
						return
					}
				}
			}

			u, err := url.Parse(rl.Backend)
			if err != nil {
				ch <- backendResult{id: rl.ID, status: "invalid URL", ok: false}
				return
			}

			host := u.Host
			if !hasPort(host) {
				switch u.Scheme {
				case "https":
					host += ":443"
				default:
					host += ":80"
				}
			}

			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
			cancel()

			if err != nil {
				h.logger.Warn("backend unreachable", "rule", rl.ID, "backend", rl.Backend, "error", err)
				ch <- backendResult{id: rl.ID, status: "unreachable", ok: false}
				return
			}
			conn.Close()
			ch <- backendResult{id: rl.ID, status: "ok", ok: true}
		}(rl)
	}

	results := make(map[string]string, len(rules))
	anyDown := false
	for range rules {
		res := <-ch
		results[res.id] = res.status
		if !res.ok {
			anyDown = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyDown {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":   statusStr,
		"backends": results,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body) //nolint:errcheck
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
