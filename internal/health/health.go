// Package health provides health check and readiness probe HTTP handlers.
// Liveness reports per-backend circuit breaker states; readiness checks
// that the configured backends are reachable.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fusegate/fusegate/internal/breaker"
	"github.com/fusegate/fusegate/internal/config"
)

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints.
type Handler struct {
	backends []config.BackendConfig
	breakers map[string]*breaker.Breaker
	logger   *slog.Logger

	// Cached readiness result to avoid TCP-dialling every backend on
	// every /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a new health check Handler. breakers maps backend names to
// their circuit breaker instances.
func New(backends []config.BackendConfig, breakers map[string]*breaker.Breaker, logger *slog.Logger) *Handler {
	return &Handler{backends: backends, breakers: breakers, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

// liveness reports the gateway as up along with every breaker's state,
// e.g. {"status":"UP","circuitBreakers":{"service-a":"CLOSED","service-b":"OPEN"}}.
func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	states := make(map[string]string, len(h.breakers))
	for name, b := range h.breakers {
		states[name] = b.State().String()
	}

	body, _ := json.Marshal(map[string]any{
		"status":          "UP",
		"gateway":         "fusegate",
		"circuitBreakers": states,
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
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
		name   string
		status string
		ok     bool
	}

	ch := make(chan backendResult, len(h.backends))
	for _, bc := range h.backends {
		go func(bc config.BackendConfig) {
			// Fast path: use circuit breaker state if available.
			if b, exists := h.breakers[bc.Name]; exists && b != nil {
				switch b.State() {
				case breaker.StateOpen:
					ch <- backendResult{name: bc.Name, status: "circuit-open", ok: false}
					return
				case breaker.StateHalfOpen:
					ch <- backendResult{name: bc.Name, status: "circuit-half-open", ok: true}
					return
				}
				// Closed — fall through to TCP dial for a definitive check.
			}

			u, err := url.Parse(bc.URL)
			if err != nil {
				ch <- backendResult{name: bc.Name, status: "invalid URL", ok: false}
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
				h.logger.Warn("backend unreachable", "backend", bc.Name, "url", bc.URL, "error", err)
				ch <- backendResult{name: bc.Name, status: "unreachable", ok: false}
				return
			}
			conn.Close()
			ch <- backendResult{name: bc.Name, status: "ok", ok: true}
		}(bc)
	}

	results := make(map[string]string, len(h.backends))
	anyDown := false

	for range h.backends {
		res := <-ch
		results[res.name] = res.status
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

	body, _ := json.Marshal(map[string]any{
		"status":   statusStr,
		"backends": results,
	})
	body = append(body, '\n')

	// Cache the result.
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
