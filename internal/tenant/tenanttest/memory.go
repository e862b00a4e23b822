// Package tenanttest provides an in-memory tenant.Repository for tests.
package tenanttest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daap14/tenantdb/internal/naming"
	"github.com/daap14/tenantdb/internal/tenant"
)

// Repository is a goroutine-safe in-memory tenant.Repository. Setting one of
// the *Err fields makes the matching method fail.
type Repository struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]tenant.Tenant

	GetErr    error
	ListErr   error
	UpdateErr error
	RecordErr error

	statusHistory map[uuid.UUID][]tenant.Status
}

var _ tenant.Repository = (*Repository)(nil)

// NewRepository returns an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		tenants:       make(map[uuid.UUID]tenant.Tenant),
		statusHistory: make(map[uuid.UUID][]tenant.Status),
	}
}

// Add stores a tenant with a fresh id if t.ID is zero and returns the id.
func (r *Repository) Add(t tenant.Tenant) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = tenant.StatusNotConfigured
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	r.tenants[t.ID] = t
	return t.ID
}

// Get returns a copy of the stored tenant.
func (r *Repository) Get(id uuid.UUID) tenant.Tenant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tenants[id]
}

// StatusHistory returns every status written for id, in order.
func (r *Repository) StatusHistory(id uuid.UUID) []tenant.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tenant.Status(nil), r.statusHistory[id]...)
}

func (r *Repository) Create(_ context.Context, t *tenant.Tenant) error {
	t.ID = r.Add(*t)
	return nil
}

func (r *Repository) GetByID(_ context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.GetErr != nil {
		return nil, r.GetErr
	}
	t, ok := r.tenants[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return &t, nil
}

func (r *Repository) ListByStatus(_ context.Context, statuses ...tenant.Status) ([]tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ListErr != nil {
		return nil, r.ListErr
	}
	out := []tenant.Tenant{}
	for _, t := range r.tenants {
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (r *Repository) UpdateStatus(_ context.Context, id uuid.UUID, su tenant.StatusUpdate) (*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.UpdateErr != nil {
		return nil, r.UpdateErr
	}
	t, ok := r.tenants[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	if su.Status != nil {
		t.Status = *su.Status
		r.statusHistory[id] = append(r.statusHistory[id], *su.Status)
	}
	if su.LastCheckedAt != nil {
		at := *su.LastCheckedAt
		t.LastCheckedAt = &at
	}
	if su.LastError != nil {
		msg := *su.LastError
		t.LastError = &msg
	} else if su.ClearError {
		t.LastError = nil
	}
	t.UpdatedAt = time.Now().UTC()
	r.tenants[id] = t
	return &t, nil
}

func (r *Repository) RecordProvisioned(_ context.Context, id uuid.UUID, rec tenant.ProvisionRecord) (*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.RecordErr != nil {
		return nil, r.RecordErr
	}
	t, ok := r.tenants[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	ssl := rec.SSLEnabled
	t.Status = tenant.StatusReady
	t.Connection = naming.ConnectionConfig{
		Host:          rec.Host,
		Port:          rec.Port,
		User:          rec.User,
		Password:      rec.Password,
		SSLEnabled:    &ssl,
		Database:      rec.DatabaseName,
		ConnectionURL: rec.ConnectionURL,
	}
	checked := rec.CheckedAt
	t.LastCheckedAt = &checked
	t.LastError = nil
	t.UpdatedAt = time.Now().UTC()
	r.tenants[id] = t
	r.statusHistory[id] = append(r.statusHistory[id], tenant.StatusReady)
	return &t, nil
}

func (r *Repository) ResetDatabase(_ context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.UpdateErr != nil {
		return nil, r.UpdateErr
	}
	t, ok := r.tenants[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	now := time.Now().UTC()
	t.Status = tenant.StatusNotConfigured
	t.Connection = naming.ConnectionConfig{}
	t.LastCheckedAt = &now
	t.LastError = nil
	t.UpdatedAt = now
	r.tenants[id] = t
	r.statusHistory[id] = append(r.statusHistory[id], tenant.StatusNotConfigured)
	return &t, nil
}
