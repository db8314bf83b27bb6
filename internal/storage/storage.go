// Package storage provides the persisted client cache the wizard state store
// writes to. Every backend is scoped to one browsing session and enforces a
// byte quota the way browser storage does, so quota handling is exercised
// the same way regardless of where the bytes end up.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/livetemplate/wizard/internal/config"
)

var (
	// ErrNotFound is returned by Get when the key has never been written.
	ErrNotFound = errors.New("storage: key not found")

	// ErrQuotaExceeded is returned by Set when the write would push the
	// session over its byte quota.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrUnavailable is returned when the backend cannot be used at all.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Storage is a session-scoped key/value store.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Provider hands out session-scoped storages backed by one shared backend.
type Provider interface {
	ForSession(sessionID string) Storage
	Close() error
}

// Open creates the provider configured in cfg.
func Open(cfg config.StorageConfig) (Provider, error) {
	switch cfg.GetDriver() {
	case "memory":
		return NewMemoryProvider(cfg.GetQuotaBytes()), nil
	case "sqlite":
		return OpenSQLite(cfg.GetDSN(), cfg.GetQuotaBytes())
	case "postgres":
		return OpenPostgres(cfg.GetDSN(), cfg.GetQuotaBytes())
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
}

// Probe checks that s accepts writes, the way a page probes localStorage
// before relying on it.
func Probe(ctx context.Context, s Storage, prefix string) error {
	if s == nil {
		return ErrUnavailable
	}
	key := prefix + "probe"
	if err := s.Set(ctx, key, []byte("1")); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.Remove(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// PurgeExcept removes every key except the ones listed and returns how many
// were removed. It is the compaction step run after a quota failure.
func PurgeExcept(ctx context.Context, s Storage, keep ...string) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		if contains(keep, k) {
			continue
		}
		if err := s.Remove(ctx, k); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// PurgePrefix removes every key starting with prefix.
func PurgePrefix(ctx context.Context, s Storage, prefix string) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := s.Remove(ctx, k); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
