package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"trailkeep/internal/infrastructure/logging"
)

func schemaObjects(t *testing.T, db *sql.DB) []string {
	t.Helper()
	rows, err := db.Query("SELECT type || ':' || name FROM sqlite_master WHERE name NOT LIKE 'sqlite_%' ORDER BY 1")
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	sort.Strings(names)
	return names
}

func TestMigrationRunner_RunMigrations(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			store := newTestStore(t, driver)
			ctx := context.Background()

			tables := []string{"activities", "track_points", "photos", "user_preferences", "data_deletion_log", "db_metadata", "goose_db_version"}
			for _, table := range tables {
				var count int
				if err := store.ExecuteQueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
					t.Errorf("Table %s was not created: %v", table, err)
				}
			}

			version, err := store.GetSchemaVersion(ctx)
			if err != nil {
				t.Fatalf("GetSchemaVersion: %v", err)
			}
			if version != 1 {
				t.Errorf("schema_version = %d, want 1", version)
			}
		})
	}
}

func TestMigrationRunner_RunTwiceIsNoop(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, DriverMattn)
	ctx := context.Background()

	before := schemaObjects(t, store.DB())

	runner := NewMigrationRunner(store.DB(), logging.Nop{})
	if err := runner.RunMigrations(ctx); err != nil {
		t.Fatalf("second RunMigrations failed: %v", err)
	}

	after := schemaObjects(t, store.DB())
	if strings.Join(before, ",") != strings.Join(after, ",") {
		t.Errorf("schema changed on rerun:\nbefore %v\nafter  %v", before, after)
	}

	version, err := store.GetSchemaVersion(ctx)
	if err != nil || version != 1 {
		t.Errorf("schema_version = %d, %v; want 1", version, err)
	}
	var metaRows int
	if err := store.ExecuteQueryRow(ctx, "SELECT COUNT(*) FROM db_metadata").Scan(&metaRows); err != nil {
		t.Fatalf("count db_metadata: %v", err)
	}
	if metaRows != 1 {
		t.Errorf("db_metadata rows = %d, want 1", metaRows)
	}
}

func TestMigrationRunner_ReapplyAfterLostBookkeeping(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, DriverMattn)
	ctx := context.Background()
	before := schemaObjects(t, store.DB())

	// Forget that version 1 ran; the DDL must tolerate running again
	if _, err := store.DB().ExecContext(ctx, "DELETE FROM goose_db_version WHERE version_id > 0"); err != nil {
		t.Fatalf("reset goose bookkeeping: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate after reset failed: %v", err)
	}

	after := schemaObjects(t, store.DB())
	if strings.Join(before, ",") != strings.Join(after, ",") {
		t.Errorf("schema changed on reapply:\nbefore %v\nafter  %v", before, after)
	}
	version, err := store.GetMigrationVersion(ctx)
	if err != nil || version != 1 {
		t.Errorf("GetMigrationVersion = %d, %v; want 1", version, err)
	}
}

func TestMigrationRunner_NilDB(t *testing.T) {
	t.Parallel()
	runner := NewMigrationRunner(nil, nil)

	err := runner.RunMigrations(context.Background())
	if err == nil {
		t.Fatal("Expected error for nil database, got nil")
	}
	if err.Error() != "database connection is nil" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMigrationRunner_ValidateMigrations(t *testing.T) {
	t.Parallel()
	db, err := sql.Open(DriverMattn, filepath.Join(t.TempDir(), "validate.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := NewMigrationRunner(db, logging.Nop{}).ValidateMigrations(); err != nil {
		t.Errorf("ValidateMigrations: %v", err)
	}
}

func TestMigrationRunner_ContextCancellation(t *testing.T) {
	t.Parallel()
	db, err := sql.Open(DriverMattn, filepath.Join(t.TempDir(), "cancel.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewMigrationRunner(db, logging.Nop{}).RunMigrations(ctx); err == nil {
		t.Error("Expected error with cancelled context")
	}
}
