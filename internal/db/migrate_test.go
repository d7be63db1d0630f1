package db

import (
	"bytes"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

func embeddedMigrations(t *testing.T) fs.FS {
	t.Helper()
	fsys, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("getMigrationsFS: %v", err)
	}
	return fsys
}

func TestLatestMigrationVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"000001_init.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"000001_init.down.sql": {Data: []byte("DROP TABLE a;")},
		"000003_more.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER);")},
		"000003_more.down.sql": {Data: []byte("DROP TABLE b;")},
		"000004_only.down.sql": {Data: []byte("")},
		"README.md":            {Data: []byte("notes")},
	}
	got, err := LatestMigrationVersion(fsys)
	if err != nil {
		t.Fatalf("LatestMigrationVersion: %v", err)
	}
	if got != 3 {
		t.Errorf("LatestMigrationVersion = %d, want 3", got)
	}

	if _, err := LatestMigrationVersion(fstest.MapFS{}); err == nil {
		t.Error("expected error for empty migrations")
	}
}

func TestEmbeddedMigrationsFS(t *testing.T) {
	latest, err := LatestMigrationVersion(embeddedMigrations(t))
	if err != nil {
		t.Fatalf("LatestMigrationVersion: %v", err)
	}
	if latest < 1 {
		t.Errorf("embedded latest version = %d", latest)
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	db := setupTestDB(t)
	migrations := embeddedMigrations(t)

	version, dirty, err := db.MigrateVersion(migrations)
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 1 || dirty {
		t.Fatalf("version after NewDB = %d (dirty %v), want 1", version, dirty)
	}

	if err := db.MigrateDown(migrations); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	var tables int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('guns', 'reports', 'gunshots', 'gunshot_reports')`).Scan(&tables); err != nil {
		t.Fatal(err)
	}
	if tables != 0 {
		t.Errorf("%d tables left after down migration", tables)
	}

	stale, err := db.CheckMigrations(migrations)
	if err != nil {
		t.Fatalf("CheckMigrations: %v", err)
	}
	if !stale {
		t.Error("CheckMigrations should report a rolled back schema as stale")
	}

	if err := db.MigrateUp(migrations); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	// Up at the latest version is a no-op.
	if err := db.MigrateUp(migrations); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}
	if stale, err := db.CheckMigrations(migrations); err != nil || stale {
		t.Errorf("CheckMigrations after up = %v, %v", stale, err)
	}
}

func TestMigrateForceMarksClean(t *testing.T) {
	db := setupTestDB(t)
	migrations := embeddedMigrations(t)

	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CheckMigrations(migrations); err == nil {
		t.Fatal("expected dirty database to be rejected")
	}
	if err := db.MigrateForce(migrations, 1); err != nil {
		t.Fatalf("MigrateForce: %v", err)
	}
	if _, dirty, err := db.MigrateVersion(migrations); err != nil || dirty {
		t.Errorf("after force: dirty=%v err=%v", dirty, err)
	}
}

func TestNewDBWithMigrationCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")

	if _, err := NewDBWithMigrationCheck(path, true); err == nil {
		t.Fatal("expected an unmigrated database to be refused")
	}

	db, err := NewDBWithMigrationCheck(path, false)
	if err != nil {
		t.Fatalf("NewDBWithMigrationCheck(false): %v", err)
	}
	db.Close()

	db, err = NewDBWithMigrationCheck(path, true)
	if err != nil {
		t.Fatalf("NewDBWithMigrationCheck(true) on migrated db: %v", err)
	}
	db.Close()
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	tests := []struct {
		args    []string
		wantErr bool
		want    string
	}{
		{[]string{"status"}, false, "1 migration(s) pending"},
		{[]string{"up"}, false, "Current version: 1 (dirty: false)"},
		{[]string{"status"}, false, "Database is up to date."},
		{[]string{"down"}, false, "Current version: 0"},
		{[]string{"version", "1"}, false, "Current version: 1"},
		{[]string{"version", "x"}, true, ""},
		{[]string{"force"}, true, ""},
		{[]string{"help"}, false, "Database Migration Commands"},
		{[]string{"sideways"}, true, "Usage: gunshot-server migrate"},
		{nil, true, "Commands:"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := RunMigrateCommand(tt.args, path, &out)
		if (err != nil) != tt.wantErr {
			t.Fatalf("migrate %v: err = %v, wantErr %v", tt.args, err, tt.wantErr)
		}
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("migrate %v output %q does not contain %q", tt.args, out.String(), tt.want)
		}
	}
}
