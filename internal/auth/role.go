package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of principal roles. The zero value is invalid.
type Role uint8

const (
	roleInvalid Role = iota
	RoleAdmin
	RoleManager
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "ADMIN"
	case RoleManager:
		return "MANAGER"
	case RoleWorker:
		return "WORKER"
	default:
		return "INVALID"
	}
}

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleWorker:
		return true
	default:
		return false
	}
}

// NeedsSupervisor reports whether principals of this role must point at a manager.
func (r Role) NeedsSupervisor() bool {
	switch r {
	case RoleWorker:
		return true
	case RoleAdmin, RoleManager:
		return false
	default:
		return false
	}
}

// SelfRegistrable reports whether the role may be created through public registration.
func (r Role) SelfRegistrable() bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleManager, RoleWorker:
		return false
	default:
		return false
	}
}

// ParseRole accepts role names case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADMIN":
		return RoleAdmin, nil
	case "MANAGER":
		return RoleManager, nil
	case "WORKER":
		return RoleWorker, nil
	default:
		return roleInvalid, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("auth: cannot marshal invalid role %d", r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
