package tenant

import (
	"time"

	"github.com/google/uuid"

	"github.com/daap14/tenantdb/internal/naming"
)

// Status is the database lifecycle status stored on a tenant record.
type Status string

const (
	StatusNotConfigured    Status = "NOT_CONFIGURED"
	StatusPendingSetup     Status = "PENDING_SETUP"
	StatusMigrating        Status = "MIGRATING"
	StatusReady            Status = "READY"
	StatusConnectionFailed Status = "CONNECTION_FAILED"
)

// Tenant represents a row in the tenants table. Only the database fields are
// written by this service.
type Tenant struct {
	ID            uuid.UUID
	DisplayName   string
	Slug          string
	Status        Status
	Connection    naming.ConnectionConfig
	LastCheckedAt *time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ConnectionString builds the tenant's connection string from its stored
// config, falling back to defaults for unset fields.
func (t *Tenant) ConnectionString(defaults naming.Defaults) string {
	return naming.BuildConnectionString(t.DisplayName, t.Connection, defaults)
}

// StatusUpdate holds fields written by provisioning and health checks.
// Nil fields are not updated. ClearError sets database_last_error to NULL.
type StatusUpdate struct {
	Status        *Status
	LastCheckedAt *time.Time
	LastError     *string
	ClearError    bool
}

// ProvisionRecord holds the connection details stored once a tenant database
// has been created, migrated and verified.
type ProvisionRecord struct {
	DatabaseName  string
	Host          string
	Port          int
	User          string
	Password      string
	SSLEnabled    bool
	ConnectionURL string
	CheckedAt     time.Time
}
