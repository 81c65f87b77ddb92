package webhook

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryTokenCacheRemember(t *testing.T) {
	cache := NewMemoryTokenCache(10)
	ctx := context.Background()

	fresh, err := cache.Remember(ctx, "100", "tok", time.Minute)
	if err != nil || !fresh {
		t.Fatalf("first Remember = (%v, %v), want (true, nil)", fresh, err)
	}
	fresh, err = cache.Remember(ctx, "100", "tok", time.Minute)
	if err != nil || fresh {
		t.Fatalf("second Remember = (%v, %v), want (false, nil)", fresh, err)
	}
	// Same token under a different timestamp is a distinct pair.
	fresh, _ = cache.Remember(ctx, "101", "tok", time.Minute)
	if !fresh {
		t.Fatal("distinct (timestamp, token) pair reported as seen")
	}
}

func TestMemoryTokenCacheExpiry(t *testing.T) {
	cache := NewMemoryTokenCache(10)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	if fresh, _ := cache.Remember(context.Background(), "100", "tok", time.Minute); !fresh {
		t.Fatal("first Remember reported seen")
	}

	now = now.Add(30 * time.Second)
	if fresh, _ := cache.Remember(context.Background(), "100", "tok", time.Minute); fresh {
		t.Fatal("unexpired pair reported as unseen")
	}

	now = now.Add(time.Minute)
	if fresh, _ := cache.Remember(context.Background(), "100", "tok", time.Minute); !fresh {
		t.Fatal("expired pair still reported as seen")
	}
}

func TestMemoryTokenCacheEvictsOldestWhenFull(t *testing.T) {
	cache := NewMemoryTokenCache(3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cache.Remember(ctx, "100", fmt.Sprintf("tok-%d", i), time.Hour)
	}

	// tok-0 was evicted to make room, so it reads as unseen again.
	if fresh, _ := cache.Remember(ctx, "100", "tok-0", time.Hour); !fresh {
		t.Fatal("oldest entry not evicted at capacity")
	}
	// tok-3 is still resident.
	if fresh, _ := cache.Remember(ctx, "100", "tok-3", time.Hour); fresh {
		t.Fatal("recent entry lost")
	}
}

func TestRedisTokenCacheRemember(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := NewRedisTokenCache(client)
	ctx := context.Background()

	fresh, err := cache.Remember(ctx, "100", "tok", time.Minute)
	if err != nil || !fresh {
		t.Fatalf("first Remember = (%v, %v), want (true, nil)", fresh, err)
	}
	fresh, err = cache.Remember(ctx, "100", "tok", time.Minute)
	if err != nil || fresh {
		t.Fatalf("second Remember = (%v, %v), want (false, nil)", fresh, err)
	}

	// After TTL the pair is forgotten.
	mr.FastForward(2 * time.Minute)
	fresh, err = cache.Remember(ctx, "100", "tok", time.Minute)
	if err != nil || !fresh {
		t.Fatalf("post-TTL Remember = (%v, %v), want (true, nil)", fresh, err)
	}
}
