package auth

// Resource carries the ownership facts the authorizer needs. Callers fill it
// from whatever table they own; the authorizer never touches storage.
type Resource struct {
	OwnerID      string
	SupervisorID string
}

// ResourceFor describes a principal record as a resource owned by itself.
func ResourceFor(p *Principal) Resource {
	return Resource{OwnerID: p.ID, SupervisorID: p.SupervisorID}
}

// CanAccess applies the ADMIN > MANAGER > WORKER rules.
//
// A manager reaches a resource only when its owner is the manager or a worker
// the manager supervises directly.
func CanAccess(p AuthenticatedPrincipal, owner, supervisor string) bool {
	if p.ID == "" {
		return false
	}
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleManager:
		return owner == p.ID || (supervisor != "" && supervisor == p.ID)
	case RoleWorker:
		return owner == p.ID
	default:
		return false
	}
}

// Authorize is CanAccess in error form.
func Authorize(p AuthenticatedPrincipal, r Resource) error {
	if !CanAccess(p, r.OwnerID, r.SupervisorID) {
		return ErrForbiddenHierarchy
	}
	return nil
}

// RequireRole reports ErrForbiddenHierarchy unless p holds one of roles.
func RequireRole(p AuthenticatedPrincipal, roles ...Role) error {
	for _, r := range roles {
		if p.Role == r {
			return nil
		}
	}
	return ErrForbiddenHierarchy
}
