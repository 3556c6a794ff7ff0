// Command test-server imitates the cloud control plane that the sample
// configurations in examples/ exercise, for running them locally:
//
//	go run ./scripts/test-server -addr :8080 -latency 20ms -error-rate 0.01
//	BASE_URL=http://localhost:8080 cloudload run examples/api-full.yaml
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand/v2"
	"net/http"
	"runtime"
	"strings"
	"time"
)

const apiKey = "local-test-key"

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	latency := flag.Duration("latency", 10*time.Millisecond, "mean latency of the list endpoints")
	errorRate := flag.Float64("error-rate", 0, "fraction of list requests answered with 500")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"api_key": apiKey}})
	})

	list := func(kind string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != apiKey {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
				return
			}
			// uniform in [0.5, 1.5) x latency
			time.Sleep(time.Duration(float64(*latency) * (0.5 + rand.Float64())))
			if rand.Float64() < *errorRate {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
				return
			}
			items := make([]map[string]string, 3)
			for i := range items {
				items[i] = map[string]string{"id": kind + "-" + string(rune('a'+i)), "status": "RUNNING"}
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": items})
		}
	}
	for _, kind := range []string{"instances", "vpcs", "volumes", "databases"} {
		mux.HandleFunc("GET /"+kind, list(strings.TrimSuffix(kind, "s")))
	}

	mux.HandleFunc("GET /api/dashboard/summary", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		time.Sleep(*latency)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]int{"instances": 3, "vpcs": 3, "volumes": 3, "databases": 3}})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	log.Printf("Starting test server on %s (latency %s, error rate %.2f)", *addr, *latency, *errorRate)
	log.Printf("Using %d CPU cores", runtime.NumCPU())

	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
