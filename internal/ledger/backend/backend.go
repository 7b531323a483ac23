// Package backend opens the ledger store selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/bananafyi/tokens/internal/config"
	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/internal/ledger/postgres"
	"github.com/bananafyi/tokens/internal/ledger/sqlite"
	"github.com/bananafyi/tokens/pkg/database"
)

// Open connects to the configured store and makes sure its schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres, "":
		db, err := database.NewDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store := postgres.New(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	case config.DriverSQLite:
		return sqlite.New(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
