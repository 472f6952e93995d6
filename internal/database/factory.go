package database

import (
	"fmt"
	"os"
	"path/filepath"

	"fleetledger/internal/config"
	"fleetledger/internal/database/migrations"
	"fleetledger/internal/ledger"
)

// DatabaseFileName is the name of the SQLite file inside data_dir.
const DatabaseFileName = "ledger.db"

// NewDatabaseFromConfig creates a Database implementation based on the database
// config type and brings its schema up to date.
func NewDatabaseFromConfig(cfg config.DatabaseConfig) (ledger.Database, error) {
	var path string
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		path = filepath.Join(cfg.DataDir, DatabaseFileName)
	case "memory":
		path = ":memory:"
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}

	db, err := NewSQLiteDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db.db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}
