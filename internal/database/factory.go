package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"sheetvault/internal/config"
	"sheetvault/internal/sv"
)

// Store is a metadata store that also serves the account directory.
type Store interface {
	sv.MetadataStore
	sv.AccountDirectory

	// CheckMigrations reports a schema that does not match this binary.
	CheckMigrations() error
}

// NewDatabaseFromConfig creates a Store implementation based on the database config type.
func NewDatabaseFromConfig(ctx context.Context, cfg config.DatabaseConfig, clock sv.Clock) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return openSQLite(filepath.Join(cfg.DataDir, "sheetvault.db"), clock)
	case "memory":
		return openSQLite(":memory:", clock)
	case "mongo":
		if cfg.MongoURI == "" || cfg.MongoDatabase == "" {
			return nil, fmt.Errorf("mongo_uri and mongo_database required for mongo database")
		}
		db, err := NewMongoDatabase(ctx, cfg.MongoURI, cfg.MongoDatabase, clock)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

func openSQLite(path string, clock sv.Clock) (Store, error) {
	db, err := NewSQLiteDatabase(path, clock, nil)
	if err != nil {
		return nil, err
	}
	return db, nil
}
