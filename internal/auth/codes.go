package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"fieldops.org/internal/ids"
)

const (
	DefaultOTPTTL          = 10 * time.Minute
	otpDigits              = 6
	verificationCodeLength = 32
)

// Codes generates one-time secrets and keeps only their fingerprints.
type Codes struct {
	store  CodeStore
	now    func() time.Time
	otpTTL time.Duration
}

// NewCodes builds a Codes service. A non-positive otpTTL selects ten minutes.
func NewCodes(store CodeStore, otpTTL time.Duration, now func() time.Time) *Codes {
	if otpTTL <= 0 {
		otpTTL = DefaultOTPTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Codes{store: store, now: now, otpTTL: otpTTL}
}

// NewVerificationCode returns a fresh code and the fingerprint to persist
// with the principal it belongs to.
func (c *Codes) NewVerificationCode() (code, fingerprint string, err error) {
	code, err = ids.Secret(verificationCodeLength)
	if err != nil {
		return "", "", err
	}
	return code, Fingerprint(code), nil
}

// IssueVerificationCode replaces the pending verification code of an
// existing principal and returns the new one.
func (c *Codes) IssueVerificationCode(ctx context.Context, principalID string) (string, error) {
	code, fp, err := c.NewVerificationCode()
	if err != nil {
		return "", err
	}
	if err := c.store.SetVerificationCode(ctx, principalID, fp); err != nil {
		return "", transient("store verification code", err)
	}
	return code, nil
}

// ConsumeVerificationCode marks the owner verified and returns its ID.
func (c *Codes) ConsumeVerificationCode(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrNotFound
	}
	id, err := c.store.ConsumeVerificationCode(ctx, Fingerprint(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", transient("consume verification code", err)
	}
	return id, nil
}

// IssueOTP replaces any live OTP for email and returns the new six-digit code.
func (c *Codes) IssueOTP(ctx context.Context, email string) (string, error) {
	otp, err := ids.Digits(otpDigits)
	if err != nil {
		return "", err
	}
	expiresAt := c.now().UTC().Add(c.otpTTL)
	if err := c.store.UpsertOTP(ctx, normalizeEmail(email), otpFingerprint(email, otp), expiresAt); err != nil {
		return "", transient("store otp", err)
	}
	return otp, nil
}

// ConsumeOTP validates and deletes the OTP. Wrong and expired codes are not distinguished.
func (c *Codes) ConsumeOTP(ctx context.Context, email, otp string) error {
	otp = strings.TrimSpace(otp)
	if len(otp) != otpDigits {
		return ErrInvalidOTP
	}
	err := c.store.ConsumeOTP(ctx, normalizeEmail(email), otpFingerprint(email, otp), c.now().UTC())
	if err != nil {
		if errors.Is(err, ErrInvalidOTP) {
			return ErrInvalidOTP
		}
		return transient("consume otp", err)
	}
	return nil
}

// otpFingerprint binds the code to the email so equal codes for different
// addresses produce different fingerprints.
func otpFingerprint(email, otp string) string {
	return Fingerprint(normalizeEmail(email) + ":" + otp)
}
