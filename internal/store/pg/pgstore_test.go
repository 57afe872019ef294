package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"fieldops.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var principalCols = []string{"id", "email", "name", "role", "supervisor_id", "password_hash",
	"must_reset_password", "is_verified", "verification_hash", "created_at", "updated_at"}

func TestCreatePrincipal(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("insert into principals").
		WithArgs(sqlmock.AnyArg(), "w1@example.org", "Worker", "WORKER", "m1", "hash", true, false, "fp").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	p := &auth.Principal{Email: " W1@Example.org", Name: "Worker", Role: auth.RoleWorker, SupervisorID: "m1", PasswordHash: "hash", MustResetPassword: true, VerificationHash: "fp"}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == "" || p.Email != "w1@example.org" || !p.CreatedAt.Equal(now) {
		t.Fatalf("unexpected principal after create: %+v", p)
	}
}

func TestCreateMapsConstraintViolations(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("insert into principals").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectQuery("insert into principals").WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := store.Create(context.Background(), &auth.Principal{Email: "a@example.org", Role: auth.RoleAdmin})
	if !errors.Is(err, auth.ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
	err = store.Create(context.Background(), &auth.Principal{Email: "w@example.org", Role: auth.RoleWorker, SupervisorID: "gone"})
	if !errors.Is(err, auth.ErrHierarchyInvariant) {
		t.Fatalf("expected ErrHierarchyInvariant, got %v", err)
	}
}

func TestFindPrincipal(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select id, email, name, role, .* from principals where id = \\$1").
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows(principalCols).
			AddRow("w1", "w1@example.org", "Worker", "WORKER", "m1", "hash", true, false, nil, now, now))
	mock.ExpectQuery("from principals where id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("from principals where email = \\$1").
		WithArgs("a@example.org").
		WillReturnRows(sqlmock.NewRows(principalCols).
			AddRow("a", "a@example.org", "", "ADMIN", nil, "hash", false, true, "fp", now, now))

	p, err := store.Find(context.Background(), "w1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if p.Role != auth.RoleWorker || p.SupervisorID != "m1" || !p.MustResetPassword || p.VerificationHash != "" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, err := store.Find(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	p, err = store.FindByEmail(context.Background(), "A@example.org ")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if p.Role != auth.RoleAdmin || p.SupervisorID != "" || p.VerificationHash != "fp" {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestUnknownStoredRoleIsNotClientError(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("from principals where id = \\$1").
		WithArgs("x").
		WillReturnRows(sqlmock.NewRows(principalCols).
			AddRow("x", "x@example.org", "", "OWNER", nil, "hash", false, true, nil, now, now))

	_, err := store.Find(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
	if errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("corrupt row must not surface as invalid input: %v", err)
	}
	if code := auth.CodeOf(err); code != auth.CodeTransient {
		t.Fatalf("expected %s, got %s", auth.CodeTransient, code)
	}
}

func TestUpdatePrincipal(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	role := auth.RoleManager
	empty := ""

	mock.ExpectQuery("update principals set updated_at = now\\(\\), role = \\$2, supervisor_id = \\$3 where id = \\$1").
		WithArgs("w1", "MANAGER", nil).
		WillReturnRows(sqlmock.NewRows(principalCols).
			AddRow("w1", "w1@example.org", "", "MANAGER", nil, "hash", false, true, nil, now, now))
	mock.ExpectQuery("update principals").WillReturnError(sql.ErrNoRows)

	p, err := store.Update(context.Background(), "w1", auth.PrincipalUpdate{Role: &role, SupervisorID: &empty})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if p.Role != auth.RoleManager || p.SupervisorID != "" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, err := store.Update(context.Background(), "gone", auth.PrincipalUpdate{}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAndPasswords(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("delete from principals where id = \\$1").WithArgs("m1").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectExec("delete from principals where id = \\$1").WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update principals set password_hash = \\$2, must_reset_password = \\$3").
		WithArgs("w1", "new-hash", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select count\\(\\*\\) from principals where supervisor_id = \\$1").WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	if err := store.Delete(context.Background(), "m1"); !errors.Is(err, auth.ErrHierarchyInvariant) {
		t.Fatalf("expected ErrHierarchyInvariant, got %v", err)
	}
	if err := store.Delete(context.Background(), "gone"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetPassword(context.Background(), "w1", "new-hash", false); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	n, err := store.CountSupervised(context.Background(), "m1")
	if err != nil || n != 3 {
		t.Fatalf("CountSupervised = %d, %v", n, err)
	}
}

func TestVerificationCodes(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("update principals set verification_hash = \\$2").WithArgs("a", "fp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("set is_verified = true, verification_hash = null").WithArgs("fp").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a"))
	mock.ExpectQuery("set is_verified = true, verification_hash = null").WithArgs("fp").
		WillReturnError(sql.ErrNoRows)

	if err := store.SetVerificationCode(context.Background(), "a", "fp"); err != nil {
		t.Fatalf("SetVerificationCode: %v", err)
	}
	id, err := store.ConsumeVerificationCode(context.Background(), "fp")
	if err != nil || id != "a" {
		t.Fatalf("ConsumeVerificationCode = %q, %v", id, err)
	}
	if _, err := store.ConsumeVerificationCode(context.Background(), "fp"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on reuse, got %v", err)
	}
}

func TestRevocationLedger(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)

	mock.ExpectExec("insert into revoked_tokens .* on conflict \\(fingerprint\\) do nothing").
		WithArgs("fp", "a", exp, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select exists").WithArgs("fp", now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("delete from revoked_tokens where expires_at <= \\$1").WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	if err := store.Revoke(context.Background(), auth.RevocationEntry{Fingerprint: "fp", PrincipalID: "a", ExpiresAt: exp, RevokedAt: now}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	revoked, err := store.IsRevoked(context.Background(), "fp", now)
	if err != nil || !revoked {
		t.Fatalf("IsRevoked = %v, %v", revoked, err)
	}
	n, err := store.Sweep(context.Background(), now)
	if err != nil || n != 4 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
}

func TestOTPStore(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into password_reset_otps .* on conflict \\(email\\) do update").
		WithArgs("w@example.org", "fp", now.Add(10*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from password_reset_otps").WithArgs("w@example.org", "fp", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from password_reset_otps").WithArgs("w@example.org", "fp", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.UpsertOTP(context.Background(), "w@example.org", "fp", now.Add(10*time.Minute)); err != nil {
		t.Fatalf("UpsertOTP: %v", err)
	}
	if err := store.ConsumeOTP(context.Background(), "w@example.org", "fp", now); err != nil {
		t.Fatalf("ConsumeOTP: %v", err)
	}
	if err := store.ConsumeOTP(context.Background(), "w@example.org", "fp", now); !errors.Is(err, auth.ErrInvalidOTP) {
		t.Fatalf("expected ErrInvalidOTP on reuse, got %v", err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	for _, name := range []string{
		"migrations/0001_principals.up.sql",
		"migrations/0002_revoked_tokens.up.sql",
		"migrations/0003_password_reset_otps.up.sql",
	} {
		if _, err := Migrations.ReadFile(name); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}
