package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"productshot/internal/infra"
	"productshot/internal/metrics"
	"productshot/internal/middleware"
	"productshot/internal/sqlinline"
)

// NewServer is the worker side HTTP surface: the HTTP nudge endpoint (when
// source is set), readiness and counters.
func NewServer(source http.Handler, m *metrics.Metrics, db infra.SQLExecutor, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.Recoverer, middleware.Logger(logger))

	r.Route("/v1", func(r chi.Router) {
		if source != nil {
			r.Method(http.MethodPost, "/nudge", source)
		}
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			var one int
			if err := db.QueryRow(ctx, sqlinline.QPing).Scan(&one); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			depth, err := metrics.QueueDepth(r.Context(), db)
			if err != nil {
				logger.Warn().Err(err).Msg("worker: queue depth unavailable")
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"counters": m.Snapshot(),
				"tasks":    depth,
			})
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
