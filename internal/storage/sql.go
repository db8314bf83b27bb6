package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
type dialect struct {
	name       string
	numbered   bool // $1 placeholders instead of ?
	createStmt string
}

var sqliteDialect = dialect{
	name: "sqlite",
	createStmt: `CREATE TABLE IF NOT EXISTS wizard_storage (
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, key)
	)`,
}

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	createStmt: `CREATE TABLE IF NOT EXISTS wizard_storage (
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (session_id, key)
	)`,
}

// rebind converts ? placeholders to $n for dialects that need it.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLProvider stores every session in one wizard_storage table.
type SQLProvider struct {
	db      *sql.DB
	dialect dialect
	quota   int
}

func newSQLProvider(ctx context.Context, db *sql.DB, d dialect, quota int) (*SQLProvider, error) {
	if _, err := db.ExecContext(ctx, d.createStmt); err != nil {
		return nil, fmt.Errorf("%s storage: failed to create table: %w", d.name, err)
	}
	return &SQLProvider{db: db, dialect: d, quota: quota}, nil
}

// ForSession returns the storage scoped to sessionID.
func (p *SQLProvider) ForSession(sessionID string) Storage {
	return &sqlSession{provider: p, session: sessionID}
}

// Close releases the database connection
func (p *SQLProvider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

type sqlSession struct {
	provider *SQLProvider
	session  string
}

func (s *sqlSession) q(query string) string {
	return s.provider.dialect.rebind(query)
}

func (s *sqlSession) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.provider.db.QueryRowContext(ctx,
		s.q("SELECT value FROM wizard_storage WHERE session_id = ? AND key = ?"),
		s.session, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s storage: get %q: %w", s.provider.dialect.name, key, err)
	}
	return []byte(value), nil
}

func (s *sqlSession) Set(ctx context.Context, key string, value []byte) error {
	if quota := s.provider.quota; quota > 0 {
		var used sql.NullInt64
		err := s.provider.db.QueryRowContext(ctx,
			s.q("SELECT SUM(LENGTH(key) + LENGTH(value)) FROM wizard_storage WHERE session_id = ? AND key <> ?"),
			s.session, key).Scan(&used)
		if err != nil {
			return fmt.Errorf("%s storage: quota check: %w", s.provider.dialect.name, err)
		}
		if int(used.Int64)+len(key)+len(value) > quota {
			return ErrQuotaExceeded
		}
	}

	_, err := s.provider.db.ExecContext(ctx,
		s.q(`INSERT INTO wizard_storage (session_id, key, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (session_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		s.session, key, string(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s storage: set %q: %w", s.provider.dialect.name, key, err)
	}
	return nil
}

func (s *sqlSession) Remove(ctx context.Context, key string) error {
	_, err := s.provider.db.ExecContext(ctx,
		s.q("DELETE FROM wizard_storage WHERE session_id = ? AND key = ?"),
		s.session, key)
	if err != nil {
		return fmt.Errorf("%s storage: remove %q: %w", s.provider.dialect.name, key, err)
	}
	return nil
}

func (s *sqlSession) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.provider.db.QueryContext(ctx,
		s.q("SELECT key FROM wizard_storage WHERE session_id = ? ORDER BY key"),
		s.session)
	if err != nil {
		return nil, fmt.Errorf("%s storage: keys: %w", s.provider.dialect.name, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
