package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fusegate/fusegate/internal/breaker"
	"github.com/fusegate/fusegate/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func tripped(name string) *breaker.Breaker {
	b := breaker.New(breaker.Settings{Name: name, MaxFailures: 1}, discardLogger())
	b.Admit() //nolint:errcheck
	b.ReportFailure()
	return b
}

func TestLivenessReportsBreakerStates(t *testing.T) {
	breakers := map[string]*breaker.Breaker{
		"service-a": breaker.New(breaker.Settings{Name: "service-a"}, discardLogger()),
		"service-b": tripped("service-b"),
	}
	h := New(nil, breakers, discardLogger())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status          string            `json:"status"`
		CircuitBreakers map[string]string `json:"circuitBreakers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body.Status != "UP" {
		t.Errorf("status = %q, want UP", body.Status)
	}
	if body.CircuitBreakers["service-a"] != "CLOSED" {
		t.Errorf("service-a = %q, want CLOSED", body.CircuitBreakers["service-a"])
	}
	if body.CircuitBreakers["service-b"] != "OPEN" {
		t.Errorf("service-b = %q, want OPEN", body.CircuitBreakers["service-b"])
	}
}

func TestReadinessHealthyBackend(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	backends := []config.BackendConfig{{Name: "service-a", URL: up.URL}}
	breakers := map[string]*breaker.Breaker{
		"service-a": breaker.New(breaker.Settings{Name: "service-a"}, discardLogger()),
	}
	h := New(backends, breakers, discardLogger())

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"service-a":"ok"`) {
		t.Errorf("body = %s, want service-a ok", rec.Body.String())
	}
}

func TestReadinessOpenBreakerSkipsDial(t *testing.T) {
	// Unroutable URL: if the breaker fast path were ignored the dial
	// would fail with "unreachable" instead of "circuit-open".
	backends := []config.BackendConfig{{Name: "service-a", URL: "http://192.0.2.1:9"}}
	breakers := map[string]*breaker.Breaker{"service-a": tripped("service-a")}
	h := New(backends, breakers, discardLogger())

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"service-a":"circuit-open"`) {
		t.Errorf("body = %s, want circuit-open", rec.Body.String())
	}
}

func TestReadinessUnreachableBackend(t *testing.T) {
	// A closed listener: the dial must fail fast.
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := up.URL
	up.Close()

	backends := []config.BackendConfig{{Name: "service-a", URL: url}}
	h := New(backends, map[string]*breaker.Breaker{}, discardLogger())

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"service-a":"unreachable"`) {
		t.Errorf("body = %s, want unreachable", rec.Body.String())
	}
}

func TestReadinessCached(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	backends := []config.BackendConfig{{Name: "service-a", URL: up.URL}}
	h := New(backends, map[string]*breaker.Breaker{}, discardLogger())

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first probe status = %d, want 200", rec.Code)
	}

	// Kill the backend; the cached verdict must survive the outage
	// within the TTL.
	up.Close()

	rec = httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("cached probe status = %d, want 200 from cache", rec.Code)
	}
}
