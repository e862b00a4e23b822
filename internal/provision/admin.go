package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// duplicateDatabase is the SQLSTATE returned by CREATE DATABASE when the
// target already exists.
const duplicateDatabase = "42P04"

// Admin issues database-level DDL on the administrative connection.
type Admin interface {
	// CreateDatabase creates name. It reports created=false, err=nil when the
	// database already exists.
	CreateDatabase(ctx context.Context, name string) (created bool, err error)
	DropDatabase(ctx context.Context, name string) error
}

// PgAdmin implements Admin against a PostgreSQL server.
type PgAdmin struct {
	pool *pgxpool.Pool
}

// NewPgAdmin creates an Admin that runs DDL through pool. The pool must be
// connected to a maintenance database (usually "postgres") with CREATEDB.
func NewPgAdmin(pool *pgxpool.Pool) *PgAdmin {
	return &PgAdmin{pool: pool}
}

// CreateDatabase runs CREATE DATABASE with a quoted identifier so the
// mixed-case tenant names are preserved.
func (a *PgAdmin) CreateDatabase(ctx context.Context, name string) (bool, error) {
	_, err := a.pool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == duplicateDatabase {
			return false, nil
		}
		return false, fmt.Errorf("creating database %s: %w", name, err)
	}
	return true, nil
}

// DropDatabase drops name if it exists, terminating any remaining sessions.
func (a *PgAdmin) DropDatabase(ctx context.Context, name string) error {
	_, err := a.pool.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()+" WITH (FORCE)")
	if err != nil {
		return fmt.Errorf("dropping database %s: %w", name, err)
	}
	return nil
}
