package auth

import "errors"

// Code is the stable, user-safe identifier rendered at the HTTP boundary.
type Code string

const (
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeUnverified         Code = "UNVERIFIED"
	CodeTokenMalformed     Code = "TOKEN_MALFORMED"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeTokenRevoked       Code = "TOKEN_REVOKED"
	CodeInvalidOTP         Code = "INVALID_OR_EXPIRED_OTP"
	CodeForbiddenHierarchy Code = "FORBIDDEN_HIERARCHY"
	CodeDuplicateIdentity  Code = "DUPLICATE_IDENTITY"
	CodeTransient          Code = "TRANSIENT_STORE_ERROR"
	CodeWeakPassword       Code = "WEAK_PASSWORD"
	CodeRoleNotAllowed     Code = "ROLE_NOT_ALLOWED"
	CodeInvalidDomain      Code = "INVALID_DOMAIN"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeHierarchyInvariant Code = "HIERARCHY_INVARIANT"
)

type codedError struct {
	code Code
	msg  string
	base error
}

func (e *codedError) Error() string { return e.msg }

func (e *codedError) Unwrap() error { return e.base }

func newCoded(code Code, msg string, base error) error {
	return &codedError{code: code, msg: msg, base: base}
}

var (
	ErrNotFound     = newCoded(CodeNotFound, "auth: not found", nil)
	ErrInvalidInput = newCoded(CodeInvalidInput, "auth: invalid input", nil)
	ErrTransient    = newCoded(CodeTransient, "auth: store unavailable", nil)

	ErrInvalidCredentials = newCoded(CodeInvalidCredentials, "invalid email or password", nil)
	ErrUnverified         = newCoded(CodeUnverified, "email address is not verified", nil)

	// ErrInvalidToken is the parent of every token rejection reason.
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenMalformed = newCoded(CodeTokenMalformed, "token malformed", ErrInvalidToken)
	ErrTokenExpired   = newCoded(CodeTokenExpired, "token expired", ErrInvalidToken)
	ErrTokenRevoked   = newCoded(CodeTokenRevoked, "token revoked", ErrInvalidToken)

	ErrInvalidOTP         = newCoded(CodeInvalidOTP, "invalid or expired otp", nil)
	ErrForbiddenHierarchy = newCoded(CodeForbiddenHierarchy, "access to this resource is not permitted", nil)
	ErrDuplicateIdentity  = newCoded(CodeDuplicateIdentity, "an account with this email already exists", nil)
	ErrWeakPassword       = newCoded(CodeWeakPassword, "password must be at least 6 characters", nil)
	ErrRoleNotAllowed     = newCoded(CodeRoleNotAllowed, "role cannot be registered through this endpoint", nil)
	ErrInvalidDomain      = newCoded(CodeInvalidDomain, "email domain does not accept mail", nil)
	ErrHierarchyInvariant = newCoded(CodeHierarchyInvariant, "operation would break the reporting hierarchy", nil)
)

// CodeOf returns the code carried by err, or CodeTransient when err carries none.
func CodeOf(err error) Code {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return CodeTransient
}

// transient wraps a store failure so callers can tell it apart from domain errors.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return err
	}
	return &wrappedError{op: op, err: err}
}

type wrappedError struct {
	op  string
	err error
}

func (e *wrappedError) Error() string { return e.op + ": " + e.err.Error() }

func (e *wrappedError) Unwrap() []error { return []error{ErrTransient, e.err} }
