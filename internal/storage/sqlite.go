package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// OpenSQLite opens (or creates) the SQLite database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string, quota int) (*SQLProvider, error) {
	if path == "" {
		path = "./wizard.db"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("sqlite storage: failed to create directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers the way SQLite wants anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite storage: failed to connect: %w", err)
	}

	p, err := newSQLProvider(context.Background(), db, sqliteDialect, quota)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}
