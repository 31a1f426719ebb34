// Package httpserver serves the daemon's health and metrics endpoints.
package httpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pimalaya/calendula/internal/metrics"
)

// ReadyFunc reports whether the daemon can serve. Nil means always ready.
type ReadyFunc func(ctx context.Context) error

// NewRouter wires /healthz, /readyz and /metrics.
func NewRouter(ready ReadyFunc) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if ready != nil {
			if err := ready(ctx); err != nil {
				log.Printf("[WARN] RequestID=%s: not ready: %v", middleware.GetReqID(r.Context()), err)
				http.Error(w, "unready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
	return r
}
