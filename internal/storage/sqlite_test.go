package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "notes.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", "notes").Scan(&name); err != nil {
		t.Fatalf("table notes missing: %v", err)
	}

	// Bootstrapping twice is harmless.
	if err := BootstrapSQLite(context.Background(), db); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
}

func TestOpenSQLiteDefaults(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), MemoryPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec("INSERT INTO notes(text) VALUES (?)", "hello"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var tags, created string
	if err := db.QueryRow("SELECT tags, created_at FROM notes WHERE id = 1").Scan(&tags, &created); err != nil {
		t.Fatalf("select: %v", err)
	}
	if tags != "" {
		t.Fatalf("tags default = %q, want empty", tags)
	}
	if len(created) != len("2006-01-02T15:04:05") {
		t.Fatalf("created_at = %q, want second-precision timestamp", created)
	}
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
