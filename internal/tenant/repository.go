package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a tenant record is not found.
var ErrNotFound = errors.New("tenant not found")

// ErrDuplicateSlug is returned when a tenant with the same slug already exists.
var ErrDuplicateSlug = errors.New("tenant slug already exists")

// Repository reads tenant records and writes their database fields.
type Repository interface {
	Create(ctx context.Context, t *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Tenant, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, su StatusUpdate) (*Tenant, error)
	RecordProvisioned(ctx context.Context, id uuid.UUID, rec ProvisionRecord) (*Tenant, error)
	ResetDatabase(ctx context.Context, id uuid.UUID) (*Tenant, error)
}

// PostgresRepository implements Repository using pgxpool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &PostgresRepository{pool: pool}
}

const tenantColumns = `id, display_name, slug, database_status,
       database_name, database_host, database_port, database_user, database_password,
       database_ssl, database_connection_url, database_last_checked_at, database_last_error,
       created_at, updated_at`

// Create inserts a tenant record with status NOT_CONFIGURED. Tenant
// registration belongs to the tenant-management subsystem; this exists for
// tooling and tests.
func (r *PostgresRepository) Create(ctx context.Context, t *Tenant) error {
	if t.Status == "" {
		t.Status = StatusNotConfigured
	}

	query := `
		INSERT INTO tenants (display_name, slug, database_status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query, t.DisplayName, t.Slug, string(t.Status)).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSlug
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

// GetByID retrieves a single tenant by its UUID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

// ListByStatus returns all tenants whose database status is one of statuses,
// oldest first.
func (r *PostgresRepository) ListByStatus(ctx context.Context, statuses ...Status) ([]Tenant, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + tenantColumns + `
		FROM tenants
		WHERE database_status = ANY($1)
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, names)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	tenants := []Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		tenants = append(tenants, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant rows: %w", err)
	}

	return tenants, nil
}

// UpdateStatus updates the status, last-check timestamp and last error of a tenant.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id uuid.UUID, su StatusUpdate) (*Tenant, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if su.Status != nil {
		setClauses = append(setClauses, fmt.Sprintf("database_status = $%d", argIdx))
		args = append(args, string(*su.Status))
		argIdx++
	}
	if su.LastCheckedAt != nil {
		setClauses = append(setClauses, fmt.Sprintf("database_last_checked_at = $%d", argIdx))
		args = append(args, *su.LastCheckedAt)
		argIdx++
	}
	if su.LastError != nil {
		setClauses = append(setClauses, fmt.Sprintf("database_last_error = $%d", argIdx))
		args = append(args, *su.LastError)
		argIdx++
	} else if su.ClearError {
		setClauses = append(setClauses, "database_last_error = NULL")
	}

	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf(`
		UPDATE tenants
		SET %s
		WHERE id = $%d
		RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, tenantColumns)

	return r.scanOne(ctx, query, args...)
}

// RecordProvisioned stores the connection details of a freshly provisioned
// database and marks the tenant READY.
func (r *PostgresRepository) RecordProvisioned(ctx context.Context, id uuid.UUID, rec ProvisionRecord) (*Tenant, error) {
	query := `
		UPDATE tenants
		SET database_status = $1,
		    database_name = $2,
		    database_host = $3,
		    database_port = $4,
		    database_user = $5,
		    database_password = $6,
		    database_ssl = $7,
		    database_connection_url = $8,
		    database_last_checked_at = $9,
		    database_last_error = NULL,
		    updated_at = NOW()
		WHERE id = $10
		RETURNING ` + tenantColumns

	return r.scanOne(ctx, query,
		string(StatusReady),
		rec.DatabaseName,
		rec.Host,
		rec.Port,
		rec.User,
		rec.Password,
		rec.SSLEnabled,
		rec.ConnectionURL,
		rec.CheckedAt,
		id,
	)
}

// ResetDatabase clears every database field of a tenant after its database
// has been dropped and sets the status back to NOT_CONFIGURED.
func (r *PostgresRepository) ResetDatabase(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `
		UPDATE tenants
		SET database_status = $1,
		    database_name = NULL,
		    database_host = NULL,
		    database_port = NULL,
		    database_user = NULL,
		    database_password = NULL,
		    database_ssl = NULL,
		    database_connection_url = NULL,
		    database_last_checked_at = $2,
		    database_last_error = NULL,
		    updated_at = NOW()
		WHERE id = $3
		RETURNING ` + tenantColumns

	return r.scanOne(ctx, query, string(StatusNotConfigured), time.Now().UTC(), id)
}

// scanOne scans a single Tenant row from a query. Returns ErrNotFound if no rows.
func (r *PostgresRepository) scanOne(ctx context.Context, query string, args ...any) (*Tenant, error) {
	t, err := scanTenant(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning tenant row: %w", err)
	}
	return t, nil
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var (
		t        Tenant
		status   string
		name     *string
		host     *string
		port     *int
		user     *string
		password *string
		connURL  *string
	)

	err := row.Scan(
		&t.ID, &t.DisplayName, &t.Slug, &status,
		&name, &host, &port, &user, &password,
		&t.Connection.SSLEnabled, &connURL, &t.LastCheckedAt, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Connection.Database = deref(name)
	t.Connection.Host = deref(host)
	t.Connection.User = deref(user)
	t.Connection.Password = deref(password)
	t.Connection.ConnectionURL = deref(connURL)
	if port != nil {
		t.Connection.Port = *port
	}

	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
