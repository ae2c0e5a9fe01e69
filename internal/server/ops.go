package server

import (
	"encoding/json"
	"net/http"

	"github.com/dmitrijs2005/gophauth/internal/server/gate"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// opsRouter serves liveness, metrics and a whoami probe that runs through
// the authentication gate.
func (app *App) opsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := app.ping(r.Context()); err != nil {
			app.logger.Warn(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	r.With(app.Gate.RequireAuth).Get("/v1/whoami", func(w http.ResponseWriter, r *http.Request) {
		id, _ := gate.IdentityFromContext(r.Context())
		writeJSON(w, http.StatusOK, id)
	})

	return r
}
