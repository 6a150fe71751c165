package ratelimiter

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLuaLimiter(t *testing.T) (*RedisLuaLimiter, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLuaLimiter(rdb, nil, nil)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}

	return limiter, cleanup
}

func TestAllowNilLimiterFailsOpen(t *testing.T) {
	ctx := context.Background()
	var limiter *RedisLuaLimiter

	allowed, retryAfter, err := limiter.Allow(ctx, "any", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatal("expected allowed to be true for a nil limiter")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestNewRedisLuaLimiterNilRedisReturnsNil(t *testing.T) {
	if l := NewRedisLuaLimiter(nil, nil, nil); l != nil {
		t.Fatalf("expected nil limiter for a nil redis client, got %+v", l)
	}
}

func TestAllowNoBucketConfigFailsOpen(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t)
	defer cleanup()

	allowed, retryAfter, err := limiter.Allow(ctx, "unconfigured-provider", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatal("expected allowed to be true when no bucket config exists for the provider")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllowRespectsCapacityAndRetryAfter(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t)
	defer cleanup()

	key := "describe-provider"
	limiter.SetBucketConfig(key, BucketConfig{
		Capacity:   3,
		RefillRate: 0.000001,
	})

	for i := 0; i < 3; i++ {
		allowed, retryAfter, err := limiter.Allow(ctx, key, 1)
		if err != nil {
			t.Fatalf("unexpected error on allowed call %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true on call %d", i)
		}
		if retryAfter != 0 {
			t.Fatalf("expected retryAfter=0 on allowed call %d, got %v", i, retryAfter)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, key, 1)
	if err != nil {
		t.Fatalf("unexpected script error: %v", err)
	}
	if allowed {
		t.Fatal("expected the limiter to deny once capacity is exhausted")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected a positive retryAfter once capacity is exhausted, got %v", retryAfter)
	}
}

func TestSetBucketConfigIsSafeOnNilLimiter(t *testing.T) {
	var limiter *RedisLuaLimiter
	limiter.SetBucketConfig("key", BucketConfig{Capacity: 1, RefillRate: 1})
}

func TestWarmFromPostgresNoPoolOrRedisIsNoop(t *testing.T) {
	limiter := &RedisLuaLimiter{}
	if err := limiter.WarmFromPostgres(context.Background()); err != nil {
		t.Fatalf("expected no error from WarmFromPostgres with nil pool/redis, got %v", err)
	}
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	cfg := NewBucketConfigFromPerMinute(120)
	if cfg.Capacity != 120 {
		t.Fatalf("expected Capacity 120, got %d", cfg.Capacity)
	}
	if cfg.RefillRate != 2 {
		t.Fatalf("expected RefillRate 2 (120/60), got %v", cfg.RefillRate)
	}

	if zero := NewBucketConfigFromPerMinute(0); zero.Capacity != 0 || zero.RefillRate != 0 {
		t.Fatalf("expected a zero-value BucketConfig for perMinute<=0, got %+v", zero)
	}
}
