package auth

import "time"

// Principal is a stored account record.
type Principal struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Name              string    `json:"name"`
	Role              Role      `json:"role"`
	SupervisorID      string    `json:"supervisor_id,omitempty"`
	PasswordHash      string    `json:"-"`
	MustResetPassword bool      `json:"must_reset_password"`
	IsVerified        bool      `json:"is_verified"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	// VerificationHash is the fingerprint of the pending verification code, if any.
	VerificationHash string `json:"-"`
}

// Authenticated returns the request-scoped view of p.
func (p Principal) Authenticated() AuthenticatedPrincipal {
	return AuthenticatedPrincipal{ID: p.ID, Email: p.Email, Role: p.Role}
}

// AuthenticatedPrincipal is produced once by token verification and passed
// explicitly into flows and the authorizer.
type AuthenticatedPrincipal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// RevocationEntry marks a token as unusable until it would have expired anyway.
type RevocationEntry struct {
	Fingerprint string
	PrincipalID string
	ExpiresAt   time.Time
	RevokedAt   time.Time
}

// PrincipalUpdate carries ADMIN-only edits. Nil fields are left unchanged.
type PrincipalUpdate struct {
	Name         *string
	Role         *Role
	SupervisorID *string
}
