package database

import (
	"context"
	"fmt"

	"chunkfs/internal/config"
)

// OpenFromConfig opens the Store named by the database config type without
// touching its schema.
func OpenFromConfig(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for sqlite database")
		}
		return OpenSQLite(cfg.Path)
	case "memory":
		return OpenSQLite(":memory:")
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for postgres database")
		}
		return OpenPostgres(ctx, cfg.DSN, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

// NewStoreFromConfig opens the Store named by the database config type.
// In-memory databases are always migrated; others are migrated when
// AutoMigrate is set and otherwise must already be current.
func NewStoreFromConfig(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	store, err := OpenFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate || cfg.Type == "memory" {
		err = store.Migrate()
	} else {
		err = store.CheckMigrations()
	}
	if err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
