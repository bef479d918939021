package redis

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mulehunter/backend/shared/logging"
	goredis "github.com/redis/go-redis/v9"
)

type row struct {
	ID      int64 `json:"id"`
	Count   int64 `json:"count"`
	Version int64 `json:"version"`
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestVersionedViewCacheRejectsOlderVersions(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	cache := NewVersionedViewCache[row](client, "rows:", 0, logging.Discard())

	if _, ok := cache.Get(ctx, "1"); ok {
		t.Fatalf("hit on an empty cache")
	}
	if !cache.Set(ctx, "1", 2, &row{ID: 1, Count: 2, Version: 2}) {
		t.Fatalf("first write refused")
	}
	if cache.Set(ctx, "1", 1, &row{ID: 1, Count: 1, Version: 1}) {
		t.Errorf("older version replaced a newer one")
	}
	if cache.Set(ctx, "1", 2, &row{ID: 1, Count: 99, Version: 2}) {
		t.Errorf("same version written twice")
	}
	got, ok := cache.Get(ctx, "1")
	if !ok || got.Count != 2 {
		t.Errorf("cached = %+v, %v; want count 2", got, ok)
	}
	if !cache.Set(ctx, "1", 3, &row{ID: 1, Count: 3, Version: 3}) {
		t.Errorf("newer version refused")
	}
}

func TestVersionedViewCacheConcurrentWritersConverge(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	cache := NewVersionedViewCache[row](client, "rows:", 0, logging.Discard())

	const writers = 50
	var wg sync.WaitGroup
	for v := int64(1); v <= writers; v++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(2000)) * time.Microsecond)
			cache.Set(ctx, "1", v, &row{ID: 1, Count: v, Version: v})
		}(v)
	}
	wg.Wait()

	got, ok := cache.Get(ctx, "1")
	if !ok || got.Version != writers {
		t.Errorf("cached = %+v, want version %d", got, writers)
	}
}

func TestVersionedViewCacheTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	cache := NewVersionedViewCache[row](client, "rows:", time.Minute, logging.Discard())

	cache.Set(ctx, "1", 1, &row{ID: 1, Version: 1})
	if ttl := mr.TTL("rows:1"); ttl != time.Minute {
		t.Errorf("ttl = %s, want 1m", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok := cache.Get(ctx, "1"); ok {
		t.Errorf("entry outlived its ttl")
	}
}
