package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/payward/x402gate/cache"
)

func testLimiter() (*Limiter, *cache.MemoryStore) {
	mem := cache.NewMemory()
	return New(mem), mem
}

func TestCheck_CountsUpToLimit(t *testing.T) {
	l, _ := testLimiter()
	ctx := context.Background()
	cfg := Config{MaxRequests: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		r := l.Check(ctx, ScopeIP, "10.0.0.1", cfg)
		if !r.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if r.TotalHits != int64(i) {
			t.Fatalf("request %d: expected %d hits, got %d", i, i, r.TotalHits)
		}
		if r.Remaining != 3-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 3-i, r.Remaining)
		}
	}

	r := l.Check(ctx, ScopeIP, "10.0.0.1", cfg)
	if r.Allowed {
		t.Fatal("fourth request should be denied")
	}
	if r.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", r.Remaining)
	}
	if r.ResetTime.Before(time.Now()) {
		t.Fatal("reset time should be in the future")
	}
}

func TestCheck_DenialDoesNotGrowCounter(t *testing.T) {
	l, _ := testLimiter()
	ctx := context.Background()
	cfg := Config{MaxRequests: 2, Window: time.Minute}

	l.Check(ctx, ScopeIP, "10.0.0.2", cfg)
	l.Check(ctx, ScopeIP, "10.0.0.2", cfg)

	first := l.Check(ctx, ScopeIP, "10.0.0.2", cfg)
	second := l.Check(ctx, ScopeIP, "10.0.0.2", cfg)
	if first.Allowed || second.Allowed {
		t.Fatal("over-limit requests should be denied")
	}
	if second.TotalHits != first.TotalHits {
		t.Fatalf("denied requests must not grow the counter: %d vs %d", first.TotalHits, second.TotalHits)
	}
}

func TestCheck_BlocksOnLimitWhenConfigured(t *testing.T) {
	l, _ := testLimiter()
	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Minute, BlockDuration: time.Minute}

	l.Check(ctx, ScopeIP, "10.0.0.3", cfg)
	r := l.Check(ctx, ScopeIP, "10.0.0.3", cfg)
	if r.Allowed {
		t.Fatal("second request should be denied")
	}

	if !l.IsBlocked(ctx, ScopeIP, "10.0.0.3") {
		t.Fatal("identifier should be hard-blocked after hitting the limit")
	}

	if err := l.Unblock(ctx, ScopeIP, "10.0.0.3"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if l.IsBlocked(ctx, ScopeIP, "10.0.0.3") {
		t.Fatal("identifier should be unblocked")
	}
}

func TestCheck_SeparateScopesAndIdentifiers(t *testing.T) {
	l, _ := testLimiter()
	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Minute}

	if r := l.Check(ctx, ScopeIP, "10.0.0.4", cfg); !r.Allowed {
		t.Fatal("first ip request should pass")
	}
	if r := l.Check(ctx, ScopeWallet, "10.0.0.4", cfg); !r.Allowed {
		t.Fatal("wallet scope must not share the ip counter")
	}
	if r := l.Check(ctx, ScopeIP, "10.0.0.5", cfg); !r.Allowed {
		t.Fatal("other identifier must not share the counter")
	}
}

func TestCheck_FailsOpenOnCacheError(t *testing.T) {
	l, mem := testLimiter()
	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Minute}

	mem.FailWith(errors.New("connection refused"))
	r := l.Check(ctx, ScopeIP, "10.0.0.6", cfg)
	if !r.Allowed {
		t.Fatal("limiter must fail open on cache errors")
	}
	if l.IsBlocked(ctx, ScopeIP, "10.0.0.6") {
		t.Fatal("block list must fail open on cache errors")
	}
}

func TestBlock_ManualBlockAndExpiry(t *testing.T) {
	l, _ := testLimiter()
	ctx := context.Background()

	if err := l.Block(ctx, ScopeIP, "10.0.0.7", 30*time.Millisecond); err != nil {
		t.Fatalf("block: %v", err)
	}
	if !l.IsBlocked(ctx, ScopeIP, "10.0.0.7") {
		t.Fatal("expected blocked")
	}
	time.Sleep(50 * time.Millisecond)
	if l.IsBlocked(ctx, ScopeIP, "10.0.0.7") {
		t.Fatal("block should expire with its TTL")
	}
}
