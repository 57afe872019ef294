// Package redisstore keeps revocations and password-reset codes in Redis so
// every API replica sees the same ledger.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldops.org/internal/auth"
)

const defaultPrefix = "fieldops:"

// consumeOTP deletes the key only when it still holds the presented hash.
var consumeOTP = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Store implements auth.RevocationLedger and auth.OTPStore.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var (
	_ auth.RevocationLedger = (*Store)(nil)
	_ auth.OTPStore         = (*Store)(nil)
)

// New wraps client. An empty prefix selects "fieldops:".
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Open connects to a redis:// URL and checks the connection.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return New(client, prefix), nil
}

func (s *Store) Close() error { return s.client.Close() }

// Ping reports whether Redis answers.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) revokedKey() string { return s.prefix + "revoked" }

func (s *Store) otpKey(email string) string {
	return s.prefix + "otp:" + strings.ToLower(strings.TrimSpace(email))
}

// Revoke adds the fingerprint to a sorted set scored by expiry in milliseconds.
func (s *Store) Revoke(ctx context.Context, entry auth.RevocationEntry) error {
	return s.client.ZAddNX(ctx, s.revokedKey(), redis.Z{
		Score:  float64(entry.ExpiresAt.UnixMilli()),
		Member: entry.Fingerprint,
	}).Err()
}

func (s *Store) IsRevoked(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	score, err := s.client.ZScore(ctx, s.revokedKey(), fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return int64(score) > now.UnixMilli(), nil
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, s.revokedKey(), "-inf", strconv.FormatInt(now.UnixMilli(), 10)).Result()
}

// UpsertOTP overwrites the email's code; Redis expires it on its own.
func (s *Store) UpsertOTP(ctx context.Context, email, codeHash string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.client.Del(ctx, s.otpKey(email)).Err()
	}
	return s.client.Set(ctx, s.otpKey(email), codeHash, ttl).Err()
}

// ConsumeOTP relies on key expiry instead of now.
func (s *Store) ConsumeOTP(ctx context.Context, email, codeHash string, _ time.Time) error {
	n, err := consumeOTP.Run(ctx, s.client, []string{s.otpKey(email)}, codeHash).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrInvalidOTP
	}
	return nil
}
