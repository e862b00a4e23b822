// Package teardown drops tenant databases.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/daap14/tenantdb/internal/dberr"
	"github.com/daap14/tenantdb/internal/naming"
	"github.com/daap14/tenantdb/internal/tenant"
)

// ErrConfirmationMismatch is returned when the confirmation value does not
// equal the tenant's database identifier.
var ErrConfirmationMismatch = errors.New("confirmation does not match the tenant database name")

// Dropper issues DROP DATABASE on the administrative connection.
type Dropper interface {
	DropDatabase(ctx context.Context, name string) error
}

// Releaser evicts a tenant's cached handle.
type Releaser interface {
	Release(tenantID string)
}

// Result describes a completed drop.
type Result struct {
	TenantID     uuid.UUID `json:"tenantId"`
	DatabaseName string    `json:"databaseName"`
	Dropped      bool      `json:"dropped"`
}

// Service drops tenant databases. The cached handle is always released before
// the database is dropped.
type Service struct {
	repo    tenant.Repository
	admin   Dropper
	cache   Releaser
	timeout time.Duration
}

// DefaultTimeout bounds the DROP DATABASE statement.
const DefaultTimeout = time.Minute

// NewService creates a Service. A zero timeout uses DefaultTimeout.
func NewService(repo tenant.Repository, admin Dropper, cache Releaser, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{repo: repo, admin: admin, cache: cache, timeout: timeout}
}

// Drop destroys the database of tenantID. confirmation must equal the
// tenant's database identifier. On success the tenant's database fields are
// cleared and its status returns to NOT_CONFIGURED.
func (s *Service) Drop(ctx context.Context, tenantID uuid.UUID, confirmation string) (*Result, error) {
	t, err := s.repo.GetByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading tenant: %w", err)
	}

	name := naming.ResolveDatabase(t.DisplayName, t.Connection)
	if err := naming.ValidateIdentifier(name); err != nil {
		return nil, err
	}
	if confirmation != name {
		return nil, ErrConfirmationMismatch
	}

	s.cache.Release(tenantID.String())

	if err := s.dropDatabase(ctx, name); err != nil {
		msg := "drop: " + err.Error()
		if _, uerr := s.repo.UpdateStatus(context.WithoutCancel(ctx), tenantID, tenant.StatusUpdate{LastError: &msg}); uerr != nil {
			slog.Error("teardown: failed to record drop error", "tenant", tenantID, "error", uerr)
		}
		return nil, err
	}
	// An acquire that ran between the first release and the drop may have
	// cached a handle to the dropped database.
	s.cache.Release(tenantID.String())

	if _, err := s.repo.ResetDatabase(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("resetting tenant database fields: %w", err)
	}

	slog.Warn("teardown: tenant database dropped", "tenant", tenantID, "database", name)
	return &Result{TenantID: tenantID, DatabaseName: name, Dropped: true}, nil
}

// DropTenantDatabase drops the database derived from displayName. It does not
// touch the cache or the tenant record; callers release the tenant first.
func (s *Service) DropTenantDatabase(ctx context.Context, displayName string) error {
	name := naming.DeriveDatabaseIdentifier(displayName)
	if err := naming.ValidateIdentifier(name); err != nil {
		return err
	}
	return s.dropDatabase(ctx, name)
}

func (s *Service) dropDatabase(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.admin.DropDatabase(ctx, name); err != nil {
		e := dberr.New(dberr.KindProvision, "drop database", err)
		if dberr.IsTimeout(err) {
			e.Kind = dberr.KindTimeout
		}
		return e
	}
	return nil
}
