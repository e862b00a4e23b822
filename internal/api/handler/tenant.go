package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/daap14/tenantdb/internal/api/middleware"
	"github.com/daap14/tenantdb/internal/api/response"
	"github.com/daap14/tenantdb/internal/api/validation"
	"github.com/daap14/tenantdb/internal/dberr"
	"github.com/daap14/tenantdb/internal/health"
	"github.com/daap14/tenantdb/internal/pool"
	"github.com/daap14/tenantdb/internal/provision"
	"github.com/daap14/tenantdb/internal/teardown"
	"github.com/daap14/tenantdb/internal/tenant"
	"github.com/daap14/tenantdb/internal/tenantdb"
)

// pingTimeout bounds the round trip of POST /tenants/{id}/database/ping.
const pingTimeout = 5 * time.Second

// Provisioner runs the provisioning workflow.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) provision.Result
	ProvisionPending(ctx context.Context) ([]provision.Result, error)
}

// TenantChecker checks a tenant's database and records the outcome.
type TenantChecker interface {
	CheckTenant(ctx context.Context, tenantID uuid.UUID) (health.Result, error)
}

// TenantDropper drops a tenant's database.
type TenantDropper interface {
	Drop(ctx context.Context, tenantID uuid.UUID, confirmation string) (*teardown.Result, error)
}

// ConnectionAcquirer returns a tenant's cached handle.
type ConnectionAcquirer interface {
	AcquireConnection(ctx context.Context, tenantID uuid.UUID) (pool.Handle, error)
}

// provisionRequest is the optional request body for POST /tenants/{id}/database/provision.
type provisionRequest struct {
	DisplayName string `json:"displayName"`
	Slug        string `json:"slug"`
}

// dropRequest is the request body for DELETE /tenants/{id}/database.
type dropRequest struct {
	Confirmation string `json:"confirmation"`
}

type provisionFailure struct {
	Step provision.Step `json:"step"`
	Kind dberr.Kind     `json:"kind"`
}

type bulkProvisionResponse struct {
	Total     int                `json:"total"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Results   []provision.Result `json:"results"`
}

type pingResponse struct {
	TenantID  string `json:"tenantId"`
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latencyMs"`
}

// TenantHandler handles the tenant database lifecycle endpoints.
type TenantHandler struct {
	provisioner Provisioner
	checker     TenantChecker
	dropper     TenantDropper
	acquirer    ConnectionAcquirer
}

// NewTenantHandler creates a new TenantHandler.
func NewTenantHandler(provisioner Provisioner, checker TenantChecker, dropper TenantDropper, acquirer ConnectionAcquirer) *TenantHandler {
	return &TenantHandler{
		provisioner: provisioner,
		checker:     checker,
		dropper:     dropper,
		acquirer:    acquirer,
	}
}

// parseTenantID reads the {id} URL parameter and writes a 400 when it is not a UUID.
func parseTenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Err(w, http.StatusBadRequest, "VALIDATION_ERROR", "Tenant id must be a valid UUID", middleware.GetRequestID(r.Context()))
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptional decodes a JSON body into v. An empty body is not an error.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Provision handles POST /tenants/{id}/database/provision.
func (h *TenantHandler) Provision(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id, ok := parseTenantID(w, r)
	if !ok {
		return
	}

	var req provisionRequest
	if err := decodeOptional(w, r, &req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	req.DisplayName = strings.TrimSpace(req.DisplayName)
	req.Slug = strings.TrimSpace(req.Slug)

	fieldErrors := validation.ValidateProvisionRequest(validation.ProvisionRequest{
		DisplayName: req.DisplayName,
		Slug:        req.Slug,
	})
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	res := h.provisioner.Provision(r.Context(), provision.Request{
		TenantID:    id,
		DisplayName: req.DisplayName,
		Slug:        req.Slug,
	})

	switch {
	case res.Success:
		response.Success(w, http.StatusOK, res, requestID)
	case errors.Is(res.Err, tenant.ErrNotFound):
		response.Err(w, http.StatusNotFound, "NOT_FOUND", "Tenant not found", requestID)
	case res.Step == provision.StepDerive:
		response.ErrWithDetails(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", res.Error, provisionFailure{Step: res.Step, Kind: res.Kind}, requestID)
	default:
		response.ErrWithDetails(w, http.StatusBadGateway, "PROVISION_FAILED", res.Error, provisionFailure{Step: res.Step, Kind: res.Kind}, requestID)
	}
}

// ProvisionPending handles POST /tenants/database/provision.
func (h *TenantHandler) ProvisionPending(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	results, err := h.provisioner.ProvisionPending(r.Context())
	if err != nil {
		slog.Error("api: failed to list pending tenants", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to provision pending tenants", requestID)
		return
	}

	resp := bulkProvisionResponse{Total: len(results), Results: results}
	for _, res := range results {
		if res.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	response.Success(w, http.StatusOK, resp, requestID)
}

// CheckHealth handles POST /tenants/{id}/database/health. A failed probe is a
// successful request whose data reports success=false.
func (h *TenantHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id, ok := parseTenantID(w, r)
	if !ok {
		return
	}

	res, err := h.checker.CheckTenant(r.Context(), id)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			response.Err(w, http.StatusNotFound, "NOT_FOUND", "Tenant not found", requestID)
			return
		}
		slog.Error("api: failed to check tenant database", "tenant", id, "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to check tenant database", requestID)
		return
	}

	response.Success(w, http.StatusOK, res, requestID)
}

// Ping handles POST /tenants/{id}/database/ping. It goes through the
// connection cache the way a request handler would and reports failures with
// the same generic message end users see.
func (h *TenantHandler) Ping(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id, ok := parseTenantID(w, r)
	if !ok {
		return
	}

	start := time.Now()
	conn, err := h.acquirer.AcquireConnection(r.Context(), id)
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		if perr := conn.Ping(ctx); perr != nil {
			err = dberr.Classify("ping tenant database", perr)
		}
		cancel()
	}
	if err != nil {
		h.writeUnavailable(w, id, err, requestID)
		return
	}

	response.Success(w, http.StatusOK, pingResponse{
		TenantID:  id.String(),
		Connected: true,
		LatencyMs: time.Since(start).Milliseconds(),
	}, requestID)
}

func (h *TenantHandler) writeUnavailable(w http.ResponseWriter, id uuid.UUID, err error, requestID string) {
	public := tenantdb.Public(err)
	if errors.Is(public, tenant.ErrNotFound) {
		response.Err(w, http.StatusNotFound, "NOT_FOUND", "Tenant not found", requestID)
		return
	}
	slog.Warn("api: tenant database unavailable", "tenant", id, "kind", dberr.KindOf(err), "error", err)
	response.Err(w, http.StatusServiceUnavailable, "TENANT_DB_UNAVAILABLE", "Tenant database unavailable", requestID)
}

// Drop handles DELETE /tenants/{id}/database.
func (h *TenantHandler) Drop(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id, ok := parseTenantID(w, r)
	if !ok {
		return
	}

	var req dropRequest
	if err := decodeOptional(w, r, &req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	req.Confirmation = strings.TrimSpace(req.Confirmation)
	if fieldErrors := validation.ValidateDropRequest(req.Confirmation); len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	res, err := h.dropper.Drop(r.Context(), id, req.Confirmation)
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrNotFound):
			response.Err(w, http.StatusNotFound, "NOT_FOUND", "Tenant not found", requestID)
		case errors.Is(err, teardown.ErrConfirmationMismatch):
			response.Err(w, http.StatusConflict, "CONFIRMATION_MISMATCH", "Confirmation does not match the tenant database name", requestID)
		case dberr.KindOf(err) == dberr.KindDerivation:
			response.Err(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), requestID)
		default:
			slog.Error("api: failed to drop tenant database", "tenant", id, "error", err)
			response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to drop tenant database", requestID)
		}
		return
	}

	response.Success(w, http.StatusOK, res, requestID)
}
