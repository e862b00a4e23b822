package pool

import (
	"context"

	"github.com/daap14/tenantdb/internal/database"
)

// PgxOpener returns an OpenFunc that opens a pgxpool-backed *database.DB per
// tenant with the given pool options.
func PgxOpener(opts database.Options) OpenFunc {
	return func(ctx context.Context, connString string) (Handle, error) {
		db, err := database.New(ctx, connString, opts)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}
