package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(ctx, "login:203.0.113.7", 3, time.Minute); !ok {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "login:203.0.113.7", 3, time.Minute); ok {
		t.Fatalf("fourth request in the window should be refused")
	}
	if ok, _ := l.Allow(ctx, "login:198.51.100.2", 3, time.Minute); !ok {
		t.Fatalf("other keys have their own budget")
	}

	now = now.Add(time.Minute)
	if ok, _ := l.Allow(ctx, "login:203.0.113.7", 3, time.Minute); !ok {
		t.Fatalf("new window should reset the count")
	}
}

func TestMemoryLimiterSweepsStaleBuckets(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter()
	l.now = func() time.Time { return now }
	l.lastGC = now
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a", 5, time.Minute)
	_, _ = l.Allow(ctx, "b", 5, time.Minute)
	now = now.Add(5 * time.Minute)
	_, _ = l.Allow(ctx, "c", 5, time.Minute)
	if l.Len() != 1 {
		t.Fatalf("expected stale buckets to be swept, have %d", l.Len())
	}
}

func TestZeroLimitDisables(t *testing.T) {
	l := NewMemoryLimiter()
	for i := 0; i < 50; i++ {
		if ok, _ := l.Allow(context.Background(), "k", 0, time.Minute); !ok {
			t.Fatalf("limit 0 should never refuse")
		}
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRedisLimiter(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "register:203.0.113.7", 2, time.Minute)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "register:203.0.113.7", 2, time.Minute); ok {
		t.Fatalf("third request should be refused")
	}
	if ttl := mr.TTL(redisKeyPrefix + "register:203.0.113.7"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected window expiry on key, got %v", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if ok, _ := l.Allow(ctx, "register:203.0.113.7", 2, time.Minute); !ok {
		t.Fatalf("expired window should admit again")
	}
}

func TestRedisLimiterReportsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()
	if _, err := NewRedisLimiter(client).Allow(context.Background(), "k", 1, time.Minute); err == nil {
		t.Fatalf("expected error when redis is unreachable")
	}
}
