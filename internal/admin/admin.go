// Package admin provides admin API endpoints for runtime inspection of the
// pipeline: rules, breaker states, and effective configuration, plus a reset
// for tripped breakers. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/routeway/gateway/internal/breaker"
	"github.com/routeway/gateway/internal/config"
	"github.com/routeway/gateway/internal/rule"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	breakers    atomic.Pointer[breaker.Registry]
	rules       atomic.Pointer[rule.Table]
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reloader ConfigProvider, breakers *breaker.Registry, rules *rule.Table, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	h := &Handler{
		reloader:    reloader,
		allowedNets: nets,
		logger:      logger,
	}
	h.breakers.Store(breakers)
	h.rules.Store(rules)
	return h
}

// Update swaps the rule table and breaker registry after a config reload so
// inspection and reset act on the objects live traffic is using.
func (h *Handler) Update(rules *rule.Table, breakers *breaker.Registry) {
	h.rules.Store(rules)
	h.breakers.Store(breakers)
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/rules", h.guard(http.MethodGet, h.rulesHandler))
	mux.HandleFunc("/admin/breakers", h.guard(http.MethodGet, h.breakersHandler))
	mux.HandleFunc("/admin/breakers/reset", h.guard(http.MethodPost, h.resetHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
}

// guard wraps a handler with method and IP allowlist checking.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ruleStatus is the response type for /admin/rules.
type ruleStatus struct {
	ID         string   `json:"id"`
	PathPrefix string   `json:"path_prefix"`
	Backend    string   `json:"backend"`
	MaxRetries int      `json:"max_retries"`
	Breakers   []string `json:"breaker_paths,omitempty"`
}

func (h *Handler) rulesHandler(w http.ResponseWriter, r *http.Request) {
	rules := h.rules.Load().Rules()
	statuses := make([]ruleStatus, len(rules))
	for i, rl := range rules {
		var paths []string
		for _, bc := range rl.Breakers() {
			paths = append(paths, bc.Path)
		}
		statuses[i] = ruleStatus{
			ID:         rl.ID,
			PathPrefix: rl.PathPrefix,
			Backend:    rl.Backend,
			MaxRetries: rl.MaxRetries,
			Breakers:   paths,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": statuses})
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	registry := h.breakers.Load()
	states := make(map[string]string)
	for _, path := range registry.Paths() {
		if exec, ok := registry.For(path); ok {
			states[path] = exec.Circuit().State().String()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": states})
}

func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	exec, ok := h.breakers.Load().For(path)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no breaker for path",
		})
		return
	}

	exec.Circuit().Reset()
	h.logger.Info("circuit breaker reset via admin API", "path", path)
	writeJSON(w, http.StatusOK, map[string]string{
		"path":  path,
		"state": exec.Circuit().State().String(),
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reloader.Current())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
