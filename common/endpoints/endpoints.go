// Package endpoints serves the admin routes every pipesched server exposes:
// /health and /admin/metrics.json.
package endpoints

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/twitter/pipesched/common/stats"
)

type StatScope string

// MakeStatsReceiver returns a Finagle style receiver scoped to scope,
// rendering latencies in milliseconds.
func MakeStatsReceiver(scope StatScope) stats.StatsReceiver {
	return stats.NewFinagleStatsReceiver().Scope(string(scope)).Precision(time.Millisecond)
}

// HealthCheck reports an error when the server shouldn't receive traffic.
type HealthCheck func() error

// Register adds the admin routes to r. Metrics are rendered from stat;
// pass ?pretty=true for indented output.
func Register(r *mux.Router, stat stats.StatsReceiver, health HealthCheck) {
	r.HandleFunc("/health", healthHandler(health)).Methods(http.MethodGet)
	r.HandleFunc("/admin/metrics.json", statsHandler(stat)).Methods(http.MethodGet)
}

func healthHandler(health HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		fmt.Fprintf(w, "ok")
	}
}

func statsHandler(stat stats.StatsReceiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		pretty := r.URL.Query().Get("pretty") == "true"
		w.Write(stat.Render(pretty))
	}
}
