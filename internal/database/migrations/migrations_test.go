package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	// Migrate up
	err := MigrateUp(db)
	if err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	tables := append([]string{VersionTable}, LedgerTables...)
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestCheckDBMigrationStatus_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	err := CheckDBMigrationStatus(db)
	if !errors.Is(err, ErrNoSchema) {
		t.Errorf("CheckDBMigrationStatus() error = %v, want ErrNoSchema", err)
	}
}

func TestCheckDBMigrationStatus_Mismatch(t *testing.T) {
	latest, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if latest < 1 {
		t.Fatalf("LatestVersion() = %d, want at least 1", latest)
	}

	tests := []struct {
		name    string
		tamper  string
		wantErr error
	}{
		{name: "dirty", tamper: `UPDATE ` + VersionTable + ` SET dirty = 1`, wantErr: ErrSchemaDirty},
		{name: "ahead of binary", tamper: `UPDATE ` + VersionTable + ` SET version = version + 1`, wantErr: ErrSchemaAhead},
		{name: "behind binary", tamper: `UPDATE ` + VersionTable + ` SET version = 0`, wantErr: ErrSchemaBehind},
		{name: "ledger table dropped", tamper: `DROP TABLE cron_job_runs`, wantErr: ErrSchemaIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			defer db.Close()

			if err := MigrateUp(db); err != nil {
				t.Fatalf("MigrateUp() failed: %v", err)
			}
			if _, err := db.Exec(tt.tamper); err != nil {
				t.Fatalf("tamper %q failed: %v", tt.tamper, err)
			}

			if err := CheckDBMigrationStatus(db); !errors.Is(err, tt.wantErr) {
				t.Errorf("CheckDBMigrationStatus() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadStatus(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}
	st, err := ReadStatus(db)
	if err != nil {
		t.Fatalf("ReadStatus() error = %v", err)
	}
	if st.Dirty || st.Version != st.Latest {
		t.Errorf("ReadStatus() = %+v, want clean at the latest version", st)
	}
}

func TestCheckDBMigrationStatus_AfterMigration(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	// Migrate up
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	// Status should be OK now
	err := CheckDBMigrationStatus(db)
	if err != nil {
		t.Errorf("CheckDBMigrationStatus() after migration returned error: %v", err)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	// Run migration twice
	if err := MigrateUp(db); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}

	if err := MigrateUp(db); err != nil {
		t.Errorf("Second MigrateUp() failed: %v (should be idempotent)", err)
	}

	// Status should still be OK
	if err := CheckDBMigrationStatus(db); err != nil {
		t.Errorf("CheckDBMigrationStatus() after double migration returned error: %v", err)
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	// A flow for a client that does not exist
	_, err := db.Exec(`
		INSERT INTO flows (client_id, flow_id, flow_class, state, create_time, last_update_time)
		VALUES (42, 1, 'Interrogate', 'RUNNING', 0, 0)
	`)
	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_ClientDeleteCascades(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	stmts := []string{
		`INSERT INTO clients (client_id, first_seen) VALUES (7, 0)`,
		`INSERT INTO flows (client_id, flow_id, flow_class, state, create_time, last_update_time)
			VALUES (7, 1, 'Interrogate', 'RUNNING', 0, 0)`,
		`INSERT INTO flow_requests (client_id, flow_id, request_id, timestamp) VALUES (7, 1, 1, 0)`,
		`INSERT INTO client_labels (client_id, owner, label) VALUES (7, 'admin', 'linux')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	if _, err := db.Exec(`DELETE FROM clients WHERE client_id = 7`); err != nil {
		t.Fatalf("delete client failed: %v", err)
	}

	for _, table := range []string{"flows", "flow_requests", "client_labels"} {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatalf("count %s failed: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows after client delete, want 0", table, n)
		}
	}
}

func TestSchema_LatestPointerMustReferenceHistory(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO clients (client_id, first_seen) VALUES (1, 0)`); err != nil {
		t.Fatalf("insert client failed: %v", err)
	}

	// The pointer foreign key is deferred, so the violation surfaces at commit.
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tx.Exec(`UPDATE clients SET last_snapshot_ts = 100 WHERE client_id = 1`); err != nil {
		tx.Rollback()
		t.Fatalf("update failed early: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Error("Expected deferred foreign key violation at commit, but commit succeeded")
	}
}

func TestSchema_PathDepthCheck(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO clients (client_id, first_seen) VALUES (1, 0)`); err != nil {
		t.Fatalf("insert client failed: %v", err)
	}

	_, err := db.Exec(`INSERT INTO client_paths (client_id, path_type, path_id, path, depth)
		VALUES (1, 0, x'01', '/etc/passwd', 2)`)
	if err != nil {
		t.Fatalf("insert with correct depth failed: %v", err)
	}

	_, err = db.Exec(`INSERT INTO client_paths (client_id, path_type, path_id, path, depth)
		VALUES (1, 0, x'02', '/etc/hosts', 3)`)
	if err == nil {
		t.Error("Expected check constraint violation for wrong depth, but insert succeeded")
	}
}

func TestSchema_StatusSlotCheck(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	stmts := []string{
		`INSERT INTO clients (client_id, first_seen) VALUES (1, 0)`,
		`INSERT INTO flows (client_id, flow_id, flow_class, state, create_time, last_update_time)
			VALUES (1, 1, 'Interrogate', 'RUNNING', 0, 0)`,
		`INSERT INTO flow_requests (client_id, flow_id, request_id, timestamp) VALUES (1, 1, 1, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	// A status code outside the status slot
	_, err := db.Exec(`INSERT INTO flow_responses (client_id, flow_id, request_id, response_id, status_code, timestamp)
		VALUES (1, 1, 1, 0, 'OK', 0)`)
	if err == nil {
		t.Error("Expected check constraint violation for status outside the status slot")
	}

	_, err = db.Exec(`INSERT INTO flow_responses (client_id, flow_id, request_id, response_id, status_code, timestamp)
		VALUES (1, 1, 1, -1, 'OK', 0)`)
	if err != nil {
		t.Errorf("insert into status slot failed: %v", err)
	}
}

// openTestDB opens an in-memory SQLite database for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	return db
}
