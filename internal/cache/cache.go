// Package cache holds the per-step field snapshots captured when the server
// renders a step. A snapshot is fresher than the session's persisted state
// for a short while after the render and goes stale after that.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/livetemplate/wizard"
)

// Entry represents a cached snapshot
type Entry struct {
	Data      wizard.FieldMap
	ExpiresAt time.Time
	StaleAt   time.Time // Still usable after this, but no longer preferred
}

// IsExpired returns true if the entry has expired
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// IsStale returns true if the entry is stale but not expired
func (e *Entry) IsStale() bool {
	now := time.Now()
	return now.After(e.StaleAt) && now.Before(e.ExpiresAt)
}

// Cache defines the snapshot cache
type Cache interface {
	// Get returns (data, found, stale). The data is a copy.
	Get(key string) (wizard.FieldMap, bool, bool)
	Set(key string, data wizard.FieldMap, ttl time.Duration)
	SetWithStale(key string, data wizard.FieldMap, staleAfter, expireAfter time.Duration)
	Invalidate(key string)
	InvalidatePrefix(prefix string)
	InvalidateAll()
}

// Key builds the cache key of a step snapshot within a browsing session.
func Key(sessionID string, step wizard.Step) string {
	return sessionID + "/" + string(step)
}

// SessionPrefix returns the prefix shared by every key of a session.
func SessionPrefix(sessionID string) string {
	return sessionID + "/"
}

// MemoryCache is an in-memory cache implementation with TTL support
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries:         make(map[string]*Entry),
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a snapshot from the cache
func (c *MemoryCache) Get(key string) (wizard.FieldMap, bool, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false, false
	}

	if entry.IsExpired() {
		c.Invalidate(key)
		return nil, false, false
	}

	return entry.Data.Clone(), true, entry.IsStale()
}

// Set stores a snapshot with the given TTL
func (c *MemoryCache) Set(key string, data wizard.FieldMap, ttl time.Duration) {
	c.SetWithStale(key, data, ttl, ttl)
}

// SetWithStale stores a snapshot with separate stale and expire times
func (c *MemoryCache) SetWithStale(key string, data wizard.FieldMap, staleAfter, expireAfter time.Duration) {
	now := time.Now()
	entry := &Entry{
		Data:      data.Clone(),
		StaleAt:   now.Add(staleAfter),
		ExpiresAt: now.Add(expireAfter),
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Invalidate removes an entry from the cache
func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix removes every entry whose key starts with prefix
func (c *MemoryCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// InvalidateAll removes all entries from the cache
func (c *MemoryCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
}

// Stop stops the background cleanup goroutine
// Safe to call multiple times
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
	})
}

// Len returns the number of entries in the cache (for testing)
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
