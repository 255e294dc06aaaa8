// Package server implements the HTTP server and routing logic.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maruel/tablesync/internal/server/handlers"
	"github.com/maruel/tablesync/internal/server/ratelimit"
)

// NewRouter creates and configures the HTTP router.
// Serves the records API at /api/*, the sync WebSocket at /ws and metrics at
// /metrics.
func NewRouter(svc *handlers.Services, cfg *handlers.Config, limits *ratelimit.Config) http.Handler {
	mux := &http.ServeMux{}

	hh := handlers.NewHealthHandler(svc, cfg.Version)
	mux.Handle("GET /api/health", Wrap(hh.Health, cfg, limits))

	rh := handlers.NewRecordHandler(svc)
	mux.Handle("GET /api/records", Wrap(rh.ListRecords, cfg, limits))
	mux.Handle("GET /api/records/{id}", Wrap(rh.GetRecord, cfg, limits))
	mux.Handle("PATCH /api/records/{id}", Wrap(rh.UpdateRecord, cfg, limits))
	mux.HandleFunc("/api/", notFoundHandler)

	mux.Handle("GET /ws", svc.Sync)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = AuthMiddleware(cfg)(h)
	h = CORSMiddleware(cfg.CORSOrigins)(h)
	return LoggingMiddleware(h)
}
