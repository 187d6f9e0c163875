package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketPerLine(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 0.1, time.Minute)

	key := LineKey(22)
	for i := 0; i < 2; i++ {
		allowed, err := bucket.Allow(ctx, key)
		if err != nil || !allowed {
			t.Fatalf("token %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	allowed, _ := bucket.Allow(ctx, key)
	if allowed {
		t.Fatalf("expected third webhook for the line to be damped")
	}

	// A different line has its own bucket.
	allowed, _ = bucket.Allow(ctx, LineKey(3))
	if !allowed {
		t.Fatalf("other line must not share the bucket")
	}
}
