package notify

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type mxResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// MXChecker reports whether a domain publishes mail exchangers. Answers are
// cached for ttl so repeated signups do not hit DNS every time.
type MXChecker struct {
	resolver mxResolver
	cache    *expirable.LRU[string, bool]
}

// NewMXChecker uses net.DefaultResolver. Non-positive size or ttl select defaults.
func NewMXChecker(size int, ttl time.Duration) *MXChecker {
	return newMXChecker(net.DefaultResolver, size, ttl)
}

func newMXChecker(r mxResolver, size int, ttl time.Duration) *MXChecker {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MXChecker{resolver: r, cache: expirable.NewLRU[string, bool](size, nil, ttl)}
}

func (c *MXChecker) HasMailExchange(ctx context.Context, domain string) (bool, error) {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if domain == "" {
		return false, nil
	}
	if ok, hit := c.cache.Get(domain); hit {
		return ok, nil
	}
	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			c.cache.Add(domain, false)
			return false, nil
		}
		return false, err
	}
	ok := false
	for _, mx := range records {
		// A null MX (RFC 7505) is a single "." host.
		if mx.Host != "" && mx.Host != "." {
			ok = true
			break
		}
	}
	c.cache.Add(domain, ok)
	return ok, nil
}
