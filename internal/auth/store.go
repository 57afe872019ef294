package auth

import (
	"context"
	"time"
)

// CredentialStore persists principal records.
type CredentialStore interface {
	Create(ctx context.Context, p *Principal) error
	Find(ctx context.Context, id string) (*Principal, error)
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	Update(ctx context.Context, id string, upd PrincipalUpdate) (*Principal, error)
	Delete(ctx context.Context, id string) error
	CountSupervised(ctx context.Context, managerID string) (int, error)
	// SetPassword replaces the hash and sets the must-reset flag in one statement.
	SetPassword(ctx context.Context, id, passwordHash string, mustReset bool) error
}

// RevocationLedger stores revoked token fingerprints until their natural expiry.
type RevocationLedger interface {
	Revoke(ctx context.Context, entry RevocationEntry) error
	IsRevoked(ctx context.Context, fingerprint string, now time.Time) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// VerificationStore keeps pending email verification codes as fingerprints.
type VerificationStore interface {
	// SetVerificationCode stores the fingerprint on the principal row.
	SetVerificationCode(ctx context.Context, principalID, codeHash string) error
	// ConsumeVerificationCode marks the owning principal verified and clears
	// the code in one step, returning the principal ID.
	ConsumeVerificationCode(ctx context.Context, codeHash string) (string, error)
}

// OTPStore keeps at most one live password-reset code per email.
type OTPStore interface {
	// UpsertOTP replaces any live OTP for email.
	UpsertOTP(ctx context.Context, email, codeHash string, expiresAt time.Time) error
	// ConsumeOTP deletes the OTP when email and hash match and it has not
	// expired. It returns ErrInvalidOTP otherwise.
	ConsumeOTP(ctx context.Context, email, codeHash string, now time.Time) error
}

// CodeStore keeps one-time codes as fingerprints.
type CodeStore interface {
	VerificationStore
	OTPStore
}

// CombineCodeStores serves verification codes and OTPs from different backends.
func CombineCodeStores(v VerificationStore, o OTPStore) CodeStore {
	return combinedCodes{v, o}
}

type combinedCodes struct {
	VerificationStore
	OTPStore
}

// Mailer delivers templated messages out of band.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// DomainChecker reports whether a mail domain has a mail exchanger.
type DomainChecker interface {
	HasMailExchange(ctx context.Context, domain string) (bool, error)
}
