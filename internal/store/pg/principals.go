package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fieldops.org/internal/auth"
	"fieldops.org/internal/ids"
)

const principalColumns = `id, email, name, role, supervisor_id, password_hash,
	must_reset_password, is_verified, verification_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*auth.Principal, error) {
	var (
		p            auth.Principal
		role         string
		supervisor   sql.NullString
		verification sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Email, &p.Name, &role, &supervisor, &p.PasswordHash,
		&p.MustResetPassword, &p.IsVerified, &verification, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	r, err := auth.ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("principal %s: invalid stored role: %v", p.ID, err)
	}
	p.Role = r
	p.SupervisorID = supervisor.String
	p.VerificationHash = verification.String
	return &p, nil
}

func (s *Store) Create(ctx context.Context, p *auth.Principal) error {
	if p.ID == "" {
		p.ID = ids.New()
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	row := s.db.QueryRowContext(ctx, `
		insert into principals (id, email, name, role, supervisor_id, password_hash,
			must_reset_password, is_verified, verification_hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning created_at, updated_at
	`, p.ID, p.Email, p.Name, p.Role.String(), nullIfEmpty(p.SupervisorID), p.PasswordHash,
		p.MustResetPassword, p.IsVerified, nullIfEmpty(p.VerificationHash))
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, id string) (*auth.Principal, error) {
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where id = $1`, id)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return p, err
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return p, err
}

func (s *Store) Update(ctx context.Context, id string, upd auth.PrincipalUpdate) (*auth.Principal, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	if upd.Name != nil {
		args = append(args, *upd.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if upd.Role != nil {
		args = append(args, upd.Role.String())
		sets = append(sets, fmt.Sprintf("role = $%d", len(args)))
	}
	if upd.SupervisorID != nil {
		args = append(args, nullIfEmpty(*upd.SupervisorID))
		sets = append(sets, fmt.Sprintf("supervisor_id = $%d", len(args)))
	}
	row := s.db.QueryRowContext(ctx, `
		update principals set `+strings.Join(sets, ", ")+`
		where id = $1
		returning `+principalColumns, args...)
	p, err := scanPrincipal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, mapWriteError(err)
	}
	return p, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from principals where id = $1`, id)
	if err != nil {
		return mapWriteError(err)
	}
	return expectOne(res)
}

func (s *Store) CountSupervised(ctx context.Context, managerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from principals where supervisor_id = $1`, managerID).Scan(&n)
	return n, err
}

func (s *Store) SetPassword(ctx context.Context, id, passwordHash string, mustReset bool) error {
	res, err := s.db.ExecContext(ctx, `
		update principals
		set password_hash = $2, must_reset_password = $3, updated_at = now()
		where id = $1
	`, id, passwordHash, mustReset)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) SetVerificationCode(ctx context.Context, principalID, codeHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update principals set verification_hash = $2, updated_at = now() where id = $1
	`, principalID, codeHash)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) ConsumeVerificationCode(ctx context.Context, codeHash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		update principals
		set is_verified = true, verification_hash = null, updated_at = now()
		where verification_hash = $1
		returning id
	`, codeHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrNotFound
	}
	return id, err
}

func mapWriteError(err error) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		return auth.ErrDuplicateIdentity
	case pgErrForeignKeyViolation, pgErrCheckViolation:
		return auth.ErrHierarchyInvariant
	default:
		return err
	}
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
