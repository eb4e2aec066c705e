// Package admin serves the operator endpoints: liveness, readiness and
// Prometheus metrics. It runs on its own listener so containers on the
// metadata address cannot reach it.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/majorcontext/metaproxy/internal/metrics"
)

// Check reports whether a dependency is ready to serve.
type Check func() bool

// Options configures the admin router.
type Options struct {
	// Checks are named readiness checks. /readyz fails if any returns false.
	Checks map[string]Check
	// Version is reported by /version.
	Version string
}

// NewRouter builds the admin handler.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		checks := make(map[string]string, len(opts.Checks))
		for name, check := range opts.Checks {
			if check() {
				checks[name] = "ok"
				continue
			}
			checks[name] = "not ready"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": checks})
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": opts.Version})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
