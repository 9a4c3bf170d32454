package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, cfg), mr
}

func TestBudgetExhaustion(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Check(ctx, "alice", ""); err != nil {
			t.Fatalf("check before attempt %d: %v", i, err)
		}
		if err := l.Increment(ctx, "alice", ""); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	if err := l.Check(ctx, "alice", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("check after 3 failures = %v, want ErrRateLimited", err)
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 1, Cooldown: time.Minute})
	ctx := context.Background()

	if err := l.Increment(ctx, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Check(ctx, "alice", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("alice = %v, want ErrRateLimited", err)
	}
	if err := l.Check(ctx, "bob", ""); err != nil {
		t.Fatalf("bob = %v, want nil", err)
	}
}

func TestResetClearsBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 1, Cooldown: time.Minute})
	ctx := context.Background()

	if err := l.Increment(ctx, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Check(ctx, "alice", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("before reset = %v, want ErrRateLimited", err)
	}
	if err := l.Reset(ctx, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Check(ctx, "alice", ""); err != nil {
		t.Fatalf("after reset = %v, want nil", err)
	}
}

func TestCooldownExpiresCounter(t *testing.T) {
	l, mr := newTestLimiter(t, Config{MaxAttempts: 1, Cooldown: time.Minute})
	ctx := context.Background()

	if err := l.Increment(ctx, "alice", ""); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)
	if err := l.Check(ctx, "alice", ""); err != nil {
		t.Fatalf("after cooldown = %v, want nil", err)
	}
}

func TestIPThrottleSharedAcrossIdentifiers(t *testing.T) {
	l, _ := newTestLimiter(t, Config{EnableIPThrottle: true, MaxAttempts: 2, Cooldown: time.Minute})
	ctx := context.Background()

	if err := l.Increment(ctx, "alice", "203.0.113.9"); err != nil {
		t.Fatal(err)
	}
	if err := l.Increment(ctx, "bob", "203.0.113.9"); err != nil {
		t.Fatal(err)
	}

	// A third identity from the same address is throttled by the IP counter.
	if err := l.Check(ctx, "carol", "203.0.113.9"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("same ip = %v, want ErrRateLimited", err)
	}
	// A different address for the same untouched identity is fine.
	if err := l.Check(ctx, "carol", "198.51.100.4"); err != nil {
		t.Fatalf("other ip = %v, want nil", err)
	}
}

func TestIPThrottleDisabledIgnoresAddress(t *testing.T) {
	l, _ := newTestLimiter(t, Config{EnableIPThrottle: false, MaxAttempts: 1, Cooldown: time.Minute})
	ctx := context.Background()

	if err := l.Increment(ctx, "alice", "203.0.113.9"); err != nil {
		t.Fatal(err)
	}
	if err := l.Check(ctx, "bob", "203.0.113.9"); err != nil {
		t.Fatalf("check = %v, want nil with ip throttle off", err)
	}
}

func TestRedisDownSurfacesTransportError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := New(client, Config{MaxAttempts: 1, Cooldown: time.Minute})
	mr.Close()

	if err := l.Check(context.Background(), "alice", ""); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("check = %v, want ErrRedisUnavailable", err)
	}
	if err := l.Increment(context.Background(), "alice", ""); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("increment = %v, want ErrRedisUnavailable", err)
	}
}
