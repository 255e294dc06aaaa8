// Handles health check requests.

package handlers

import (
	"context"
	"log/slog"

	"github.com/maruel/tablesync/internal/server/dto"
)

// HealthHandler handles health check requests.
type HealthHandler struct {
	svc     *Services
	version string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(svc *Services, version string) *HealthHandler {
	return &HealthHandler{svc: svc, version: version}
}

// Health reports "ok", or "degraded" when the store does not answer.
func (h *HealthHandler) Health(ctx context.Context, _ *dto.HealthRequest) (*dto.HealthResponse, error) {
	resp := &dto.HealthResponse{Status: "ok", Version: h.version}
	if h.svc.Records != nil {
		if err := h.svc.Records.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "Store ping failed", "err", err)
			resp.Status = "degraded"
		}
	}
	if h.svc.Sync != nil {
		resp.Instance = h.svc.Sync.Instance()
		resp.Clients = h.svc.Sync.Clients()
	}
	return resp, nil
}
