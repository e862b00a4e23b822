package provision

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/daap14/tenantdb/internal/database"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// TenantInfo is seeded into every tenant database after its schema is applied.
type TenantInfo struct {
	ID   uuid.UUID
	Slug string
}

// MigrateFunc applies the tenant schema to the database at connString.
// It must be safe to run again on a database that is partly or fully migrated.
type MigrateFunc func(ctx context.Context, connString string, info TenantInfo) error

// Schema returns the tenant schema migrations.
func Schema() fs.FS {
	sub, err := fs.Sub(schemaFiles, "schema")
	if err != nil {
		panic(err) // embedded path is fixed at compile time
	}
	return sub
}

// GooseMigrate applies Schema with goose and upserts the tenant_info row.
func GooseMigrate(ctx context.Context, connString string, info TenantInfo) error {
	applied, err := database.Migrate(ctx, connString, Schema())
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		slog.Info("provision: applied tenant migrations", "tenant", info.ID, "versions", applied)
	}

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("connecting to seed tenant info: %w", err)
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	_, err = conn.Exec(ctx, `
		INSERT INTO tenant_info (tenant_id, slug)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET slug = EXCLUDED.slug`,
		info.ID, info.Slug,
	)
	if err != nil {
		return fmt.Errorf("seeding tenant info: %w", err)
	}
	return nil
}
