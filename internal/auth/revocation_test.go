package auth

import (
	"context"
	"testing"
	"time"
)

type countingLedger struct {
	RevocationLedger
	lookups int
}

func (c *countingLedger) IsRevoked(ctx context.Context, fp string, now time.Time) (bool, error) {
	c.lookups++
	return c.RevocationLedger.IsRevoked(ctx, fp, now)
}

func TestMemoryLedgerExpiryAndSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	entries := []RevocationEntry{
		{Fingerprint: "live", PrincipalID: "a", ExpiresAt: now.Add(time.Hour)},
		{Fingerprint: "dead-1", PrincipalID: "a", ExpiresAt: now.Add(-time.Minute)},
		{Fingerprint: "dead-2", PrincipalID: "b", ExpiresAt: now},
	}
	for _, e := range entries {
		if err := store.Revoke(ctx, e); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
	}
	// Idempotent insert.
	if err := store.Revoke(ctx, entries[0]); err != nil {
		t.Fatalf("Revoke twice: %v", err)
	}

	if ok, _ := store.IsRevoked(ctx, "live", now); !ok {
		t.Fatalf("expected live entry to be revoked")
	}
	if ok, _ := store.IsRevoked(ctx, "dead-1", now); ok {
		t.Fatalf("expired entry must not count as revoked")
	}
	if ok, _ := store.IsRevoked(ctx, "unknown", now); ok {
		t.Fatalf("unknown fingerprint reported revoked")
	}

	n, err := store.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d entries, want 2", n)
	}
	if n, _ := store.Sweep(ctx, now); n != 0 {
		t.Fatalf("second sweep removed %d entries", n)
	}
}

func TestCachedLedgerServesRevokedFromCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	inner := &countingLedger{RevocationLedger: NewMemoryStore()}
	cached, err := NewCachedLedger(inner, 8)
	if err != nil {
		t.Fatalf("NewCachedLedger: %v", err)
	}

	if err := cached.Revoke(ctx, RevocationEntry{Fingerprint: "fp", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	for i := 0; i < 3; i++ {
		ok, err := cached.IsRevoked(ctx, "fp", now)
		if err != nil || !ok {
			t.Fatalf("IsRevoked = %v, %v", ok, err)
		}
	}
	if inner.lookups != 0 {
		t.Fatalf("expected cache hits, got %d store lookups", inner.lookups)
	}

	if ok, _ := cached.IsRevoked(ctx, "other", now); ok {
		t.Fatalf("unknown fingerprint reported revoked")
	}
	if inner.lookups != 1 {
		t.Fatalf("misses must reach the store, lookups=%d", inner.lookups)
	}

	later := now.Add(2 * time.Hour)
	if ok, _ := cached.IsRevoked(ctx, "fp", later); ok {
		t.Fatalf("expired cached entry reported revoked")
	}
	if cached.Len() != 0 {
		t.Fatalf("stale entry should be evicted, len=%d", cached.Len())
	}
}

func TestCachedLedgerSweepPrunesCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	cached, err := NewCachedLedger(NewMemoryStore(), 0)
	if err != nil {
		t.Fatalf("NewCachedLedger: %v", err)
	}
	_ = cached.Revoke(ctx, RevocationEntry{Fingerprint: "a", ExpiresAt: now.Add(time.Minute)})
	_ = cached.Revoke(ctx, RevocationEntry{Fingerprint: "b", ExpiresAt: now.Add(time.Hour)})

	n, err := cached.Sweep(ctx, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 || cached.Len() != 1 {
		t.Fatalf("swept=%d cached=%d, want 1 and 1", n, cached.Len())
	}
}

func TestCachedLedgerDoesNotCacheFailedWrites(t *testing.T) {
	cached, err := NewCachedLedger(failingLedger{}, 4)
	if err != nil {
		t.Fatalf("NewCachedLedger: %v", err)
	}
	if err := cached.Revoke(context.Background(), RevocationEntry{Fingerprint: "x", ExpiresAt: time.Now().Add(time.Hour)}); err == nil {
		t.Fatalf("expected write failure to surface")
	}
	if cached.Len() != 0 {
		t.Fatalf("failed write was cached")
	}
}
