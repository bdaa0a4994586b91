package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestAllowExhaustsCapacity(t *testing.T) {
	bucket := testBucket(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := bucket.Allow(ctx, "caller")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, remaining, err := bucket.Allow(ctx, "caller")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("request past capacity should be rejected")
	}
	if remaining >= 1 {
		t.Fatalf("remaining = %v, want < 1", remaining)
	}
}

func TestAllowIsolatesKeys(t *testing.T) {
	bucket := testBucket(t, 1, 0)
	ctx := context.Background()

	if allowed, _, _ := bucket.Allow(ctx, "a"); !allowed {
		t.Fatal("first request for key a should pass")
	}
	if allowed, _, _ := bucket.Allow(ctx, "a"); allowed {
		t.Fatal("second request for key a should be rejected")
	}
	if allowed, _, _ := bucket.Allow(ctx, "b"); !allowed {
		t.Fatal("key b has its own bucket")
	}
}
