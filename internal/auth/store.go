package auth

import (
	"context"
	"time"
)

// RoleLookup resolves a role with its granted permission codes. Only active
// permissions are returned.
type RoleLookup interface {
	Role(ctx context.Context, roleID int64) (Role, error)
}

// IdentityStore reads login-capable accounts.
type IdentityStore interface {
	IdentityByEmail(ctx context.Context, email string) (Identity, error)
	Identity(ctx context.Context, identityID int64) (Identity, error)
}

// RBACStore mutates roles, permissions and identity assignments.
type RBACStore interface {
	RoleLookup
	IdentityStore

	SetIdentityRole(ctx context.Context, identityID, roleID int64) error
	SetIdentityEnabled(ctx context.Context, identityID int64, enabled bool) error
	SetRolePermissions(ctx context.Context, roleID int64, codes []string) error
	SetPermissionActive(ctx context.Context, tenantID int64, code string, active bool) error
	IdentitiesWithRole(ctx context.Context, roleID int64) ([]int64, error)
	IdentitiesInTenant(ctx context.Context, tenantID int64) ([]int64, error)
}

// Invalidator drops cached principals after their authorization data changed.
type Invalidator interface {
	Invalidate(ctx context.Context, identityID int64)
}

// CredentialRevoker cuts off every credential already issued to an identity.
// ttl bounds how long the cutoff must be remembered.
type CredentialRevoker interface {
	RevokeIdentity(ctx context.Context, identityID int64, ttl time.Duration) error
}
