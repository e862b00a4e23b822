package handler

import (
	"net/http"
	"time"

	"github.com/daap14/tenantdb/internal/api/middleware"
	"github.com/daap14/tenantdb/internal/api/response"
	"github.com/daap14/tenantdb/internal/pool"
)

// ConnectionCache is the introspection and teardown surface of the cache.
type ConnectionCache interface {
	Size() int
	Entries() []pool.EntryInfo
	Release(tenantID string)
}

type connectionEntry struct {
	TenantID       string `json:"tenantId"`
	Target         string `json:"target"`
	LastAccessedAt string `json:"lastAccessedAt"`
}

type connectionsResponse struct {
	Size    int               `json:"size"`
	Entries []connectionEntry `json:"entries"`
}

// ConnectionsHandler exposes the connection cache to operators.
type ConnectionsHandler struct {
	cache ConnectionCache
}

// NewConnectionsHandler creates a new ConnectionsHandler.
func NewConnectionsHandler(cache ConnectionCache) *ConnectionsHandler {
	return &ConnectionsHandler{cache: cache}
}

// List handles GET /connections. Targets are redacted.
func (h *ConnectionsHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	infos := h.cache.Entries()
	entries := make([]connectionEntry, 0, len(infos))
	for _, e := range infos {
		entries = append(entries, connectionEntry{
			TenantID:       e.TenantID,
			Target:         e.Target,
			LastAccessedAt: e.LastAccessed.UTC().Format(time.RFC3339),
		})
	}

	response.Success(w, http.StatusOK, connectionsResponse{Size: len(entries), Entries: entries}, requestID)
}

// Release handles DELETE /connections/{id}. Releasing a tenant with no cached
// handle is not an error.
func (h *ConnectionsHandler) Release(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTenantID(w, r)
	if !ok {
		return
	}

	h.cache.Release(id.String())
	response.NoContent(w)
}
