package nonce

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/payward/x402gate/cache"
)

func TestSweep_DeletesOnlyTTLLessRecords(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()

	// Healthy records carry the TTL attached by ValidateAndConsume.
	for i := 0; i < 3; i++ {
		token, _ := s.Generate(32)
		if v := s.ValidateAndConsume(ctx, wallet, token, 30*time.Minute); !v.Valid {
			t.Fatalf("consume rejected: %s", v.Reason)
		}
	}

	// Defective records: the cache "forgot" to attach a TTL.
	defective := []string{
		s.key(wallet, "TS1700000000001_aaaaaaaaaaaa"),
		s.key(wallet, "TS1700000000002_bbbbbbbbbbbb"),
	}
	for _, key := range defective {
		if err := mem.Set(ctx, key, `{"timestamp":1700000000000,"usedAt":1700000000000}`, 0); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	report := s.Sweep(ctx, 100)
	if report.Scanned != 5 {
		t.Fatalf("expected 5 scanned, got %d", report.Scanned)
	}
	if report.Deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", report.Deleted)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected sweep errors: %v", report.Errors)
	}
	if report.Duration <= 0 {
		t.Fatal("expected positive duration")
	}

	for _, key := range defective {
		if _, err := mem.Get(ctx, key); err != cache.ErrNotFound {
			t.Fatalf("defective key %s survived sweep", key)
		}
	}

	stats, err := s.WalletStats(ctx, wallet, 30*time.Minute)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalUsed != 3 {
		t.Fatalf("healthy records should survive, got %d", stats.TotalUsed)
	}
}

func TestSweep_BatchesDeletions(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		token, err := s.Generate(32)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if err := mem.Set(ctx, s.key(wallet, token), "{}", 0); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	report := s.Sweep(ctx, 2)
	if report.Deleted != 7 {
		t.Fatalf("expected 7 deleted across batches, got %d", report.Deleted)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()
	if err := mem.Set(ctx, s.key(wallet, "TS1700000000003_cccccccccccc"), "{}", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sweeper := NewSweeper(s, 20*time.Millisecond, 10, zap.NewNop())
	sweeper.Start()
	time.Sleep(60 * time.Millisecond)
	sweeper.Stop()

	keys, err := mem.Keys(ctx, DefaultKeyPrefix+"*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected background sweep to clear defective keys, still have %v", keys)
	}
}
