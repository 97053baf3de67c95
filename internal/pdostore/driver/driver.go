// Package driver opens the PDO store backend named in configuration.
package driver

import (
	"context"
	"fmt"

	"github.com/BIGmindz/ChainBridge-sub012/internal/config"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore/filestore"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore/pgstore"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore/sqlstore"
)

// Open returns the backend for cfg. SQL backends are migrated before they
// are returned.
func Open(ctx context.Context, cfg config.StoreConfig) (pdostore.Backend, error) {
	switch cfg.Driver {
	case "", "memory":
		return pdostore.NewMemoryBackend(), nil
	case "file":
		st, err := filestore.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := pdostore.Migrate(ctx, st.DB(), pdostore.DBSQLite); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pdostore.Migrate(ctx, st.DB(), pdostore.DBPostgres); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
