package cache

import (
	"testing"
	"time"

	"github.com/livetemplate/wizard"
)

func TestMemoryCacheBasic(t *testing.T) {
	c := NewMemoryCache()
	defer c.Stop()

	key := Key("sess", wizard.StepBasic)
	if _, found, _ := c.Get(key); found {
		t.Error("expected cache miss for non-existent key")
	}

	c.Set(key, wizard.FieldMap{"name": "Summer Sale"}, time.Minute)

	result, found, stale := c.Get(key)
	if !found {
		t.Fatal("expected cache hit")
	}
	if stale {
		t.Error("expected fresh data, got stale")
	}
	if result.String("name") != "Summer Sale" {
		t.Errorf("unexpected data: %v", result)
	}
}

func TestMemoryCacheReturnsCopies(t *testing.T) {
	c := NewMemoryCache()
	defer c.Stop()

	data := wizard.FieldMap{"name": "A"}
	c.Set("k", data, time.Minute)
	data["name"] = "changed after set"

	got, _, _ := c.Get("k")
	got["name"] = "changed after get"

	again, _, _ := c.Get("k")
	if again.String("name") != "A" {
		t.Errorf("cache entry was mutated: %v", again)
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	defer c.Stop()

	c.Set("short", wizard.FieldMap{"id": 1}, 50*time.Millisecond)

	if _, found, _ := c.Get("short"); !found {
		t.Error("expected cache hit immediately after set")
	}

	time.Sleep(100 * time.Millisecond)

	if _, found, _ := c.Get("short"); found {
		t.Error("expected cache miss after TTL expired")
	}
}

func TestMemoryCacheInvalidate(t *testing.T) {
	c := NewMemoryCache()
	defer c.Stop()

	c.Set("test1", wizard.FieldMap{}, time.Minute)
	c.Set("test2", wizard.FieldMap{}, time.Minute)

	c.Invalidate("test1")

	if _, found, _ := c.Get("test1"); found {
		t.Error("expected test1 to be invalidated")
	}
	if _, found, _ := c.Get("test2"); !found {
		t.Error("expected test2 to still exist")
	}
}

func TestMemoryCacheInvalidatePrefix(t *testing.T) {
	c := NewMemoryCache()
	defer c.Stop()

	c.Set(Key("a", wizard.StepBasic), wizard.FieldMap{}, time.Minute)
	c.Set(Key("a", wizard.StepReview), wizard.FieldMap{}, time.Minute)
	c.Set(Key("ab", wizard.StepBasic), wizard.FieldMap{}, time.Minute)

	c.InvalidatePrefix(SessionPrefix("a"))

	if c.Len() != 1 {
		t.Errorf("expected 1 entry after prefix invalidation, got %d", c.Len())
	}
	if _, found, _ := c.Get(Key("ab", wizard.StepBasic)); !found {
		t.Error("expected other session to keep its snapshot")
	}
}

func TestMemoryCacheInvalidateAll(t *testing.T) {
	c := NewMemoryCache()
	defer c.Stop()

	c.Set("test1", wizard.FieldMap{}, time.Minute)
	c.Set("test2", wizard.FieldMap{}, time.Minute)
	c.Set("test3", wizard.FieldMap{}, time.Minute)

	if c.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", c.Len())
	}

	c.InvalidateAll()

	if c.Len() != 0 {
		t.Errorf("expected 0 entries after InvalidateAll, got %d", c.Len())
	}
}

func TestMemoryCacheStale(t *testing.T) {
	c := NewMemoryCache()
	defer c.Stop()

	c.SetWithStale("swr", wizard.FieldMap{"id": 1}, 50*time.Millisecond, 200*time.Millisecond)

	if _, found, stale := c.Get("swr"); !found || stale {
		t.Errorf("expected fresh hit, got found=%v stale=%v", found, stale)
	}

	time.Sleep(75 * time.Millisecond)

	if _, found, stale := c.Get("swr"); !found || !stale {
		t.Errorf("expected stale hit, got found=%v stale=%v", found, stale)
	}

	time.Sleep(150 * time.Millisecond)

	if _, found, _ := c.Get("swr"); found {
		t.Error("expected cache miss after expiry")
	}
}

func TestMemoryCacheCleanup(t *testing.T) {
	c := NewMemoryCache()
	defer c.Stop()

	c.Set("gone", wizard.FieldMap{}, time.Millisecond)
	c.Set("kept", wizard.FieldMap{}, time.Minute)
	time.Sleep(5 * time.Millisecond)

	c.cleanup()

	if c.Len() != 1 {
		t.Errorf("expected 1 entry after cleanup, got %d", c.Len())
	}
}

func TestMemoryCacheStopIdempotent(t *testing.T) {
	c := NewMemoryCache()
	c.Stop()
	c.Stop()
}
