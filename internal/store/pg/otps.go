package pg

import (
	"context"
	"time"

	"fieldops.org/internal/auth"
)

func (s *Store) UpsertOTP(ctx context.Context, email, codeHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_reset_otps (email, code_hash, expires_at)
		values ($1, $2, $3)
		on conflict (email) do update
		set code_hash = excluded.code_hash,
		    expires_at = excluded.expires_at,
		    created_at = now()
	`, email, codeHash, expiresAt.UTC())
	return err
}

func (s *Store) ConsumeOTP(ctx context.Context, email, codeHash string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		delete from password_reset_otps
		where email = $1 and code_hash = $2 and expires_at > $3
	`, email, codeHash, now.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrInvalidOTP
	}
	return nil
}
