package auth

import "fmt"

// CanAssignRole enforces that an actor never hands out a role more privileged
// than its own. Lower levels are more privileged.
func CanAssignRole(actor Principal, target Role) error {
	if !actor.Active() {
		return ErrForbidden
	}
	if !target.BelongsTo(actor.TenantID) {
		return fmt.Errorf("%w: role %d is not part of tenant %d", ErrForbidden, target.ID, actor.TenantID)
	}
	if target.Level < actor.RoleLevel {
		return fmt.Errorf("%w: role level %d outranks actor level %d", ErrForbidden, target.Level, actor.RoleLevel)
	}
	return nil
}

// CanManageIdentity enforces that an actor never modifies or deactivates an
// identity whose role outranks its own.
func CanManageIdentity(actor Principal, target Identity, targetRole Role) error {
	if !actor.Active() {
		return ErrForbidden
	}
	if target.TenantID != actor.TenantID {
		return fmt.Errorf("%w: identity %d is not part of tenant %d", ErrForbidden, target.ID, actor.TenantID)
	}
	if targetRole.Level < actor.RoleLevel {
		return fmt.Errorf("%w: identity role level %d outranks actor level %d", ErrForbidden, targetRole.Level, actor.RoleLevel)
	}
	return nil
}
