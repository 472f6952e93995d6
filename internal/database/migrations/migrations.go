// Package migrations versions the ledger schema with golang-migrate. The
// migration files are embedded, so a binary always knows the schema it
// expects.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// VersionTable is where golang-migrate records the applied version.
const VersionTable = "schema_migrations"

var (
	ErrNoSchema         = errors.New("ledger database has no schema version")
	ErrSchemaDirty      = errors.New("ledger schema migration did not finish")
	ErrSchemaBehind     = errors.New("ledger schema is older than this binary")
	ErrSchemaAhead      = errors.New("ledger schema is newer than this binary")
	ErrSchemaIncomplete = errors.New("ledger schema is missing tables")
)

// LedgerTables are the tables every ledger database at the latest version has.
var LedgerTables = []string{
	"clients", "client_snapshot_history", "client_startup_history", "client_crash_history", "client_labels",
	"flows", "flow_requests", "flow_responses", "client_action_requests", "flow_processing_requests",
	"flow_results", "flow_errors", "flow_log_entries",
	"hunts",
	"users", "approval_requests", "approval_grants", "notifications",
	"blobs", "blob_chunks", "blob_encryption_keys", "hash_blob_references",
	"client_paths", "client_path_stat_entries", "client_path_hash_entries",
	"cron_jobs", "cron_job_runs",
	"api_audit",
}

// Status is the schema version of a database against the embedded migrations.
type Status struct {
	Version uint
	Latest  uint
	Dirty   bool
}

// ReadStatus reads the applied schema version. A database that was never
// migrated yields ErrNoSchema.
func ReadStatus(db *sql.DB) (*Status, error) {
	latest, err := LatestVersion()
	if err != nil {
		return nil, err
	}
	m, err := newMigrate(db)
	if err != nil {
		return nil, err
	}
	// m is not closed: that would close db, which the caller owns.

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("%w (run the migrations first)", ErrNoSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger schema version: %w", err)
	}
	return &Status{Version: version, Latest: latest, Dirty: dirty}, nil
}

// CheckDBMigrationStatus returns nil if db is at the version this binary
// expects and holds every ledger table.
func CheckDBMigrationStatus(db *sql.DB) error {
	st, err := ReadStatus(db)
	if err != nil {
		return err
	}
	switch {
	case st.Dirty:
		return fmt.Errorf("%w: stopped at version %d", ErrSchemaDirty, st.Version)
	case st.Version < st.Latest:
		return fmt.Errorf("%w: version %d, want %d", ErrSchemaBehind, st.Version, st.Latest)
	case st.Version > st.Latest:
		return fmt.Errorf("%w: version %d, binary knows %d", ErrSchemaAhead, st.Version, st.Latest)
	}
	return checkTables(db)
}

// MigrateUp applies pending migrations and verifies the result.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating ledger schema: %w", err)
	}
	return CheckDBMigrationStatus(db)
}

// LatestVersion is the highest migration version embedded in the binary.
func LatestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("reading embedded migrations: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

func checkTables(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return fmt.Errorf("listing ledger tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning table name: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var missing []string
	for _, table := range LedgerTables {
		if !present[table] {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrSchemaIncomplete, missing)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: VersionTable})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("opening migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

// lastVersion walks the source to its final migration.
func lastVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no embedded migrations: %w", err)
	}
	for {
		next, err := src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading migration after %d: %w", version, err)
		}
		version = next
	}
}
