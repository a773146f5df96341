package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/routeway/gateway/internal/breaker"
	"github.com/routeway/gateway/internal/rule"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLiveness(t *testing.T) {
	h := New(rule.NewTable(nil), breaker.NewRegistry(rule.NewTable(nil), discardLogger()), discardLogger())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"status":"ok"}`+"\n" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestReadiness_BackendReachable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(backend.Close)

	table := rule.NewTable([]*rule.Rule{
		rule.New("users", "/api/users", backend.URL, 0, nil),
	})
	h := New(table, breaker.NewRegistry(table, discardLogger()), discardLogger())

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ready" || body.Backends["users"] != "ok" {
		t.Fatalf("unexpected readiness: %+v", body)
	}
}

func TestReadiness_BackendDown(t *testing.T) {
	// A server started then closed leaves a port nothing listens on.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u := backend.URL
	backend.Close()

	table := rule.NewTable([]*rule.Rule{
		rule.New("users", "/api/users", u, 0, nil),
	})
	h := New(table, breaker.NewRegistry(table, discardLogger()), discardLogger())

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadiness_OpenCircuitReportsNotReady(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(backend.Close)

	table := rule.NewTable([]*rule.Rule{
		rule.New("orders", "/api/orders", backend.URL, 0, []*rule.BreakerConfig{
			{Path: "/api/orders/checkout", MaxConcurrent: 1, Timeout: time.Second,
				WindowSize: 2, FailureThreshold: 0.5, ResetTimeout: time.Minute, HalfOpenMax: 1},
		}),
	})
	registry := breaker.NewRegistry(table, discardLogger())
	exec, _ := registry.For("/api/orders/checkout")
	exec.Circuit().RecordFailure(time.Millisecond)
	exec.Circuit().RecordFailure(time.Millisecond)

	h := New(table, registry, discardLogger())
	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while the circuit is open, got %d", rec.Code)
	}
	var body struct {
		Backends map[string]string `json:"backends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Backends["orders"] != "circuit-open" {
		t.Fatalf("expected circuit-open, got %+v", body)
	}
}

func TestReadiness_CachesResult(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	table := rule.NewTable([]*rule.Rule{
		rule.New("users", "/api/users", backend.URL, 0, nil),
	})
	h := New(table, breaker.NewRegistry(table, discardLogger()), discardLogger())

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Kill the backend: the cached result keeps answering until the TTL.
	backend.Close()
	rec = httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cached 200, got %d", rec.Code)
	}
}

func TestReadiness_UpdateSwapsBackendsAndDropsCache(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(up.Close)

	table := rule.NewTable([]*rule.Rule{
		rule.New("users", "/api/users", up.URL, 0, nil),
	})
	h := New(table, breaker.NewRegistry(table, discardLogger()), discardLogger())

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Simulate a reload pointing at a dead backend. The swap drops the
	// cached result, so the next probe must see the new backend set even
	// though the TTL has not passed.
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := down.URL
	down.Close()

	newTable := rule.NewTable([]*rule.Rule{
		rule.New("users", "/api/users", deadURL, 0, nil),
	})
	h.Update(newTable, breaker.NewRegistry(newTable, discardLogger()))

	rec = httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 against the swapped-in backend, got %d", rec.Code)
	}
}

func TestHasPort(t *testing.T) {
	u, _ := url.Parse("http://host.internal")
	if hasPort(u.Host) {
		t.Fatal("bare host should not report a port")
	}
	u, _ = url.Parse("http://host.internal:8081")
	if !hasPort(u.Host) {
		t.Fatal("host:port should report a port")
	}
}
