// generate_schema migrates an empty in-memory ledger database and dumps the
// resulting DDL to internal/database/schema.sql, which tests apply directly.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fleetledger/internal/database"
	"fleetledger/internal/database/migrations"
)

const header = `-- Ledger schema at migration version %d.
-- Generated from internal/database/migrations/files/*.sql; do not edit.
-- Regenerate with 'go generate ./internal/database'.

`

func main() {
	if err := run(filepath.Join("internal", "database", "schema.sql")); err != nil {
		fmt.Fprintf(os.Stderr, "generate_schema: %v\n", err)
		os.Exit(1)
	}
}

func run(outPath string) error {
	db, err := database.OpenConnection(":memory:")
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.MigrateUp(db); err != nil {
		return err
	}
	version, err := migrations.LatestVersion()
	if err != nil {
		return err
	}

	ddl, err := dumpSchema(db)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, []byte(fmt.Sprintf(header, version)+ddl), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	fmt.Printf("wrote %s (schema version %d, %d tables)\n", outPath, version, len(migrations.LedgerTables))
	return nil
}

// dumpSchema returns the CREATE statements of the ledger tables followed by
// their indexes, leaving out SQLite internals and the version table.
func dumpSchema(db *sql.DB) (string, error) {
	rows, err := db.Query(`
		SELECT sql FROM sqlite_master
		WHERE type IN ('table', 'index') AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%' AND tbl_name != ?
		ORDER BY CASE type WHEN 'table' THEN 1 ELSE 2 END, name`,
		migrations.VersionTable)
	if err != nil {
		return "", fmt.Errorf("reading sqlite_master: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scanning schema statement: %w", err)
		}
		b.WriteString(stmt)
		b.WriteString(";\n\n")
	}
	return b.String(), rows.Err()
}
