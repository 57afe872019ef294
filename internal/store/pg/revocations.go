package pg

import (
	"context"
	"time"

	"fieldops.org/internal/auth"
)

func (s *Store) Revoke(ctx context.Context, entry auth.RevocationEntry) error {
	revokedAt := entry.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens (fingerprint, principal_id, expires_at, revoked_at)
		values ($1, $2, $3, $4)
		on conflict (fingerprint) do nothing
	`, entry.Fingerprint, entry.PrincipalID, entry.ExpiresAt.UTC(), revokedAt.UTC())
	return err
}

func (s *Store) IsRevoked(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from revoked_tokens where fingerprint = $1 and expires_at > $2
		)
	`, fingerprint, now.UTC()).Scan(&revoked)
	return revoked, err
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from revoked_tokens where expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
