package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/daap14/tenantdb/internal/api/middleware"
	"github.com/daap14/tenantdb/internal/api/response"
)

// DBPinger checks control-plane database reachability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// CacheSizer reports how many tenant handles are open.
type CacheSizer interface {
	Size() int
}

// HealthHandler handles the GET /health endpoint.
type HealthHandler struct {
	db      DBPinger
	cache   CacheSizer
	version string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db DBPinger, cache CacheSizer, version string) *HealthHandler {
	return &HealthHandler{
		db:      db,
		cache:   cache,
		version: version,
	}
}

type controlPlaneStatus struct {
	Connected bool `json:"connected"`
}

type healthData struct {
	Status          string             `json:"status"`
	Version         string             `json:"version"`
	ControlPlane    controlPlaneStatus `json:"controlPlane"`
	OpenConnections int                `json:"openConnections"`
}

// ServeHTTP handles the health check request. An unreachable control plane
// reports "degraded" with 503.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	connected := true
	if err := h.db.Ping(ctx); err != nil {
		slog.Warn("api: control plane ping failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
		connected = false
	}

	data := healthData{
		Status:          status,
		Version:         h.version,
		ControlPlane:    controlPlaneStatus{Connected: connected},
		OpenConnections: h.cache.Size(),
	}

	response.Success(w, code, data, requestID)
}
