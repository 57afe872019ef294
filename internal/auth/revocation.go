package auth

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedLedger remembers fingerprints known to be revoked. A revocation is
// permanent until the token's own expiry, so positive answers are safe to
// cache; negative answers always go to the underlying ledger.
type CachedLedger struct {
	next  RevocationLedger
	cache *lru.Cache[string, time.Time]
}

var _ RevocationLedger = (*CachedLedger)(nil)

// NewCachedLedger wraps next with an LRU of at most size entries.
func NewCachedLedger(next RevocationLedger, size int) (*CachedLedger, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &CachedLedger{next: next, cache: cache}, nil
}

func (c *CachedLedger) Revoke(ctx context.Context, entry RevocationEntry) error {
	if err := c.next.Revoke(ctx, entry); err != nil {
		return err
	}
	c.cache.Add(entry.Fingerprint, entry.ExpiresAt)
	return nil
}

func (c *CachedLedger) IsRevoked(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	if exp, ok := c.cache.Get(fingerprint); ok {
		if now.Before(exp) {
			return true, nil
		}
		c.cache.Remove(fingerprint)
	}
	revoked, err := c.next.IsRevoked(ctx, fingerprint, now)
	if err != nil {
		return false, err
	}
	return revoked, nil
}

func (c *CachedLedger) Sweep(ctx context.Context, now time.Time) (int64, error) {
	for _, key := range c.cache.Keys() {
		if exp, ok := c.cache.Peek(key); ok && !now.Before(exp) {
			c.cache.Remove(key)
		}
	}
	return c.next.Sweep(ctx, now)
}

// Len reports the number of cached revocations.
func (c *CachedLedger) Len() int { return c.cache.Len() }
