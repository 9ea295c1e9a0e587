// Package api is the HTTP front-end: parse, validate, delegate,
// serialize. No orchestration logic lives here.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"etmapd/pkg/config"
	"etmapd/pkg/version"
)

// MetricsProvider exposes the Prometheus handler.
type MetricsProvider interface {
	Handler() http.Handler
}

// NewServer wires the router and returns the configured server.
func NewServer(cfg *config.Config, etmap *ETMapHandler, metrics MetricsProvider) *http.Server {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestLogger)

	r.Get("/health", handleHealth)
	r.Get("/api/version", handleVersion)

	r.Post("/etmap", etmap.HandleCreate)
	r.Get("/etmap/{id}.json", etmap.HandleStatus)
	r.Get("/etmap/{id}/result", etmap.HandleResult)
	r.Get("/etmap/{id}.png", etmap.HandleArtifact)
	r.Get("/etmap/{id}.tif", etmap.HandleArtifact)

	r.Post("/api/coverage", etmap.HandleCoverage)

	if metrics != nil && cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, metrics.Handler())
	}

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := fmt.Fprintf(w, `{"version": "%s"}`, version.Version); err != nil {
		slog.Error("failed to write version response", "error", err)
	}
}
