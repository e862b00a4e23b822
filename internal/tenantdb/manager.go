// Package tenantdb hands request handlers a live handle to a tenant's database.
package tenantdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daap14/tenantdb/internal/dberr"
	"github.com/daap14/tenantdb/internal/naming"
	"github.com/daap14/tenantdb/internal/pool"
	"github.com/daap14/tenantdb/internal/tenant"
)

// ErrUnavailable is the only failure request handlers show to end users. It
// never carries a connection string or driver message.
var ErrUnavailable = errors.New("tenant database unavailable")

// ErrNoQueryAccess is returned by AcquirePool when the cached handle does not
// expose a pgx pool.
var ErrNoQueryAccess = errors.New("tenant handle has no query access")

// Conn is a handle with raw query access. *database.DB implements it.
type Conn interface {
	pool.Handle
	Pool() *pgxpool.Pool
}

// Cache is the part of *pool.Cache the Manager needs.
type Cache interface {
	Lookup(tenantID string) (pool.Handle, bool)
	Acquire(ctx context.Context, tenantID, connString string) (pool.Handle, error)
}

// Manager resolves tenants to cached handles.
type Manager struct {
	repo     tenant.Repository
	cache    Cache
	defaults naming.Defaults
}

// NewManager creates a Manager.
func NewManager(repo tenant.Repository, cache Cache, defaults naming.Defaults) *Manager {
	return &Manager{repo: repo, cache: cache, defaults: defaults}
}

// AcquireConnection returns the cached handle for tenantID, opening one on a
// miss. A hit does no I/O and does not read the tenant record. The handle is
// owned by the cache; callers must not close it.
//
// Unknown tenants yield tenant.ErrNotFound; every other failure is a
// *dberr.Error. Use Public before showing the error to end users.
func (m *Manager) AcquireConnection(ctx context.Context, tenantID uuid.UUID) (pool.Handle, error) {
	key := tenantID.String()
	if h, ok := m.cache.Lookup(key); ok {
		return h, nil
	}

	t, err := m.repo.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return nil, err
		}
		return nil, dberr.Classify("load tenant", fmt.Errorf("loading tenant %s: %w", tenantID, err))
	}

	return m.cache.Acquire(ctx, key, t.ConnectionString(m.defaults))
}

// AcquirePool is AcquireConnection for callers that run queries directly.
func (m *Manager) AcquirePool(ctx context.Context, tenantID uuid.UUID) (*pgxpool.Pool, error) {
	h, err := m.AcquireConnection(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c, ok := h.(Conn)
	if !ok {
		return nil, ErrNoQueryAccess
	}
	return c.Pool(), nil
}

// Public maps an AcquireConnection error to what a request handler may return
// to its caller: tenant.ErrNotFound passes through, everything else becomes
// ErrUnavailable.
func Public(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tenant.ErrNotFound):
		return tenant.ErrNotFound
	default:
		return ErrUnavailable
	}
}
