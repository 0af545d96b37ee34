package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newLimiter(t *testing.T, cfg Config) *FixedWindowLimiter {
	t.Helper()
	limiter, err := NewFixedWindowLimiter(cfg)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	return limiter
}

func TestFixedWindowLimiterCountsPerKey(t *testing.T) {
	redis := miniredis.RunT(t)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newLimiter(t, Config{
		Addr:   redis.Addr(),
		Prefix: "test:ratelimit",
		Limit:  2,
		Window: time.Minute,
		Now:    func() time.Time { return clock },
	})
	ctx := context.Background()

	if !limiter.Allow(ctx, "ip-1") || !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("first two requests should pass")
	}
	if limiter.Allow(ctx, "ip-1") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow(ctx, "ip-2") {
		t.Fatalf("other keys have their own quota")
	}

	clock = clock.Add(time.Minute)
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("next window should reset the quota")
	}
}

func TestFixedWindowLimiterRedisFailure(t *testing.T) {
	for _, failOpen := range []bool{false, true} {
		redis := miniredis.RunT(t)
		limiter := newLimiter(t, Config{Addr: redis.Addr(), Limit: 1, Window: time.Second, FailOpen: failOpen})
		redis.Close()
		if got := limiter.Allow(context.Background(), "ip-1"); got != failOpen {
			t.Fatalf("failOpen=%v: Allow = %v", failOpen, got)
		}
	}
}

func TestFixedWindowLimiterValidatesConfig(t *testing.T) {
	for name, cfg := range map[string]Config{
		"missing addr": {Limit: 1, Window: time.Second},
		"zero limit":   {Addr: "127.0.0.1:6379", Window: time.Second},
		"zero window":  {Addr: "127.0.0.1:6379", Limit: 1},
	} {
		if limiter, err := NewFixedWindowLimiter(cfg); err == nil || limiter != nil {
			t.Fatalf("%s: expected constructor error", name)
		}
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var limiter *FixedWindowLimiter
	if !limiter.Allow(context.Background(), "ip") {
		t.Fatalf("nil limiter should not throttle")
	}
}
