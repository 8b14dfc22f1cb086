// Package main provides a demo backend for exercising the gateway's
// circuit breakers. It serves small JSON payloads and injects failures
// and slow responses at configurable rates, so breaker trips and call
// timeouts can be observed without real outages.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	port := flag.Int("port", 8081, "port to listen on")
	name := flag.String("name", "service-a", "service name reported in payloads")
	mode := flag.String("mode", "data", `endpoint style: "data" serves /data/{id}, "process" serves /process/{id}`)
	failureRate := flag.Float64("failure-rate", 0.2, "fraction of requests answered with 500")
	slowRate := flag.Float64("slow-rate", 0.0, "fraction of requests delayed by -slow-delay")
	slowDelay := flag.Duration("slow-delay", 3*time.Second, "delay applied to slow responses")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	prefix := "/data/"
	if *mode == "process" {
		prefix = "/process/"
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET "+prefix+"{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		if rand.Float64() < *slowRate {
			time.Sleep(*slowDelay)
		}

		if rand.Float64() < *failureRate {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"service": *name,
				"error":   "simulated failure",
				"id":      id,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"service":   *name,
			"id":        id,
			"result":    fmt.Sprintf("%s result for %s", *mode, id),
			"timestamp": time.Now().UnixMilli(),
		})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "UP", "service": *name})
	})

	// /__status/{code} returns an arbitrary HTTP status code, for
	// driving the breaker through specific failure shapes by hand.
	mux.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/__status/"))
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeJSON(w, code, map[string]any{
			"service": *name,
			"message": http.StatusText(code),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (mode=%s failure_rate=%.2f slow_rate=%.2f)",
		*name, addr, *mode, *failureRate, *slowRate)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
