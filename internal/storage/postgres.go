package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// OpenPostgres connects to PostgreSQL. When dsn is empty, DATABASE_URL is
// used. Sharing one database lets several wizard servers resume each other's
// sessions.
func OpenPostgres(dsn string, quota int) (*SQLProvider, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres storage: database connection required (set storage.dsn or DATABASE_URL env)")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres storage: failed to connect: %w", err)
	}

	p, err := newSQLProvider(ctx, db, postgresDialect, quota)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}
