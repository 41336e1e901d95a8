// Package api exposes the small HTTP surface a MarQS daemon process needs
// for operability: a Prometheus scrape endpoint, a JSON snapshot of the
// lightweight counters, and a liveness probe. MarQS itself has no HTTP or
// RPC surface (it is an embedded broker, called in-process by producers and
// consumers) — this package only serves the daemon's own telemetry.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/marqs-io/marqs/internal/metrics"
	"github.com/marqs-io/marqs/internal/observability"
)

// ServerConfig contains the settings needed to start the operability HTTP
// server.
type ServerConfig struct {
	MetricsEnabled bool
}

// StartHTTPServer creates and starts the operability HTTP server. The
// returned *http.Server is already serving in a background goroutine;
// callers shut it down via its own Shutdown method.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", healthzHandler)
	mux.Handle("/status", metrics.Global().JSONHandler())

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", metrics.PrometheusHandler())
	}

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go srv.ListenAndServe()

	return srv
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
