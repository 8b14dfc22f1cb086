// Package gateway is the externally visible entry point of the resilient
// gateway. It owns one circuit breaker per configured backend, translates
// inbound API requests into guarded or aggregated backend calls, and maps
// outcomes to HTTP responses.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fusegate/fusegate/internal/apierror"
	"github.com/fusegate/fusegate/internal/backend"
	"github.com/fusegate/fusegate/internal/breaker"
	"github.com/fusegate/fusegate/internal/config"
	"github.com/fusegate/fusegate/internal/metrics"
)

// Gateway maps logical backend names to breakers and clients. Breakers
// are owned here and live for the life of the process; nothing else
// mutates them.
type Gateway struct {
	mu         sync.RWMutex
	breakers   map[string]*breaker.Breaker
	clients    map[string]*backend.Client
	fallbacks  map[string]fallbackSpec
	aggregates map[string]config.AggregateConfig
	logger     *slog.Logger
}

type fallbackSpec struct {
	status int
	body   []byte
}

// New builds a Gateway from the configuration: one breaker and one
// client per backend, plus the named aggregates.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	g := &Gateway{
		breakers:   make(map[string]*breaker.Breaker, len(cfg.Backends)),
		clients:    make(map[string]*backend.Client, len(cfg.Backends)),
		fallbacks:  make(map[string]fallbackSpec),
		aggregates: make(map[string]config.AggregateConfig, len(cfg.Aggregates)),
		logger:     logger,
	}

	for _, bc := range cfg.Backends {
		client, err := backend.NewClient(bc, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", bc.Name, err)
		}
		settings := cfg.BreakerSettings(bc)
		g.clients[bc.Name] = client
		g.breakers[bc.Name] = breaker.New(breaker.Settings{
			Name:         bc.Name,
			MaxFailures:  settings.MaxFailures,
			CallTimeout:  settings.CallTimeout,
			ResetTimeout: settings.ResetTimeout,
		}, logger)

		if bc.FallbackBody != "" {
			status := bc.FallbackStatus
			if status == 0 {
				status = http.StatusOK
			}
			g.fallbacks[bc.Name] = fallbackSpec{status: status, body: []byte(bc.FallbackBody)}
		}
	}

	for _, agg := range cfg.Aggregates {
		g.aggregates[agg.Name] = agg
	}

	return g, nil
}

// Handler returns the API mux: single-backend fetches and named
// aggregations. Health, metrics, and admin live on separate muxes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/aggregate/{name}/{id}", g.instrument("aggregate", g.handleAggregate))
	mux.HandleFunc("GET /api/{backend}/{id}", g.instrument("backend", g.handleBackend))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
	})
	return mux
}

// Status returns a snapshot of every breaker, keyed by backend name.
func (g *Gateway) Status() map[string]breaker.Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]breaker.Status, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.Status()
	}
	return out
}

// Breakers exposes the breaker registry for the health and admin surfaces.
// Callers must treat the map as read-only.
func (g *Gateway) Breakers() map[string]*breaker.Breaker {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]*breaker.Breaker, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b
	}
	return out
}

// UpdateConfig re-applies breaker thresholds on config hot-reload.
// Backends added or removed by the reload require a restart; existing
// breakers keep their state and failure streaks.
func (g *Gateway) UpdateConfig(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, bc := range cfg.Backends {
		b, ok := g.breakers[bc.Name]
		if !ok {
			g.logger.Warn("config reload added backend, restart required", "backend", bc.Name)
			continue
		}
		settings := cfg.BreakerSettings(bc)
		b.UpdateSettings(breaker.Settings{
			MaxFailures:  settings.MaxFailures,
			CallTimeout:  settings.CallTimeout,
			ResetTimeout: settings.ResetTimeout,
		})
	}
}

func (g *Gateway) handleBackend(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("backend")
	id := r.PathValue("id")

	g.mu.RLock()
	client, okClient := g.clients[name]
	brk, okBreaker := g.breakers[name]
	fb, hasFallback := g.fallbacks[name]
	g.mu.RUnlock()

	if !okClient || !okBreaker {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}

	result, err := breaker.Do(r.Context(), brk, func(ctx context.Context) (json.RawMessage, error) {
		return client.Fetch(ctx, id)
	})
	if err != nil {
		g.writeFailure(w, r, name, err, fb, hasFallback)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result) //nolint:errcheck
}

func (g *Gateway) handleAggregate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id := r.PathValue("id")

	g.mu.RLock()
	agg, ok := g.aggregates[name]
	g.mu.RUnlock()

	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}

	specs := make([]breaker.Spec[json.RawMessage], 0, len(agg.Backends))
	g.mu.RLock()
	for _, backendName := range agg.Backends {
		client := g.clients[backendName]
		specs = append(specs, breaker.Spec[json.RawMessage]{
			Name:    backendName,
			Breaker: g.breakers[backendName],
			Op: func(ctx context.Context) (json.RawMessage, error) {
				return client.Fetch(ctx, id)
			},
		})
	}
	g.mu.RUnlock()

	mode := breaker.AllMustSucceed
	if agg.Mode == "best_effort" {
		mode = breaker.BestEffort
	}

	results, err := breaker.Aggregate(r.Context(), specs, mode)
	if err != nil {
		var aggErr *breaker.AggregateError
		if errors.As(err, &aggErr) {
			branches := make([]apierror.BranchFailure, len(aggErr.Branches))
			for i, be := range aggErr.Branches {
				branches[i] = apierror.BranchFailure{Branch: be.Branch, Cause: be.Err.Error()}
			}
			g.logger.Error("aggregation failed", "aggregate", name, "id", id, "error", err)
			apierror.WriteAggregate(w, r, branches)
			return
		}
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.AggregateFailed, err.Error())
		return
	}

	body := make(map[string]any, len(results)+2)
	body["id"] = id
	body["timestamp"] = time.Now().UnixMilli()
	for branch, res := range results {
		if mode == breaker.BestEffort {
			if res.Err != nil {
				body[branch] = map[string]string{"error": res.Err.Error()}
			} else {
				body[branch] = res.Value
			}
			continue
		}
		body[branch] = res.Value
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

// writeFailure maps a guarded call failure to an HTTP response. A
// configured fallback body wins over the standard error payload; the
// breaker has already recorded the real outcome either way.
func (g *Gateway) writeFailure(w http.ResponseWriter, r *http.Request, name string, err error, fb fallbackSpec, hasFallback bool) {
	if r.Context().Err() != nil {
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled")
		return
	}

	g.logger.Warn("backend call failed", "backend", name, "error", err)

	if hasFallback {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Gateway-Fallback", "true")
		w.WriteHeader(fb.status)
		w.Write(fb.body) //nolint:errcheck
		return
	}

	switch {
	case errors.Is(err, breaker.ErrOpen):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "circuit breaker open")
	case errors.Is(err, breaker.ErrCallTimeout):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.UpstreamTimeout, "backend call timed out")
	default:
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.UpstreamError,
			fmt.Sprintf("backend %q unavailable", name))
	}
}

// instrument wraps a handler with request metrics.
func (g *Gateway) instrument(handlerName string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.ActiveConnections.Inc()
		defer metrics.ActiveConnections.Dec()

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(recorder, r)

		metrics.RequestsTotal.WithLabelValues(handlerName, r.Method, strconv.Itoa(recorder.statusCode)).Inc()
		metrics.RequestDuration.WithLabelValues(handlerName, r.Method).Observe(time.Since(start).Seconds())
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code
// while still writing to the real client.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}
