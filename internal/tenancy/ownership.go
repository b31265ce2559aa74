package tenancy

import (
	"context"
	"fmt"
	"time"

	"cinetenant.org/internal/auth"
)

// Ownership stamps new rows with the tenant and identity that created them.
type Ownership struct {
	TenantID  int64
	CreatedBy int64
	CreatedAt time.Time
}

// NewOwnership builds the stamp from the authenticated principal in ctx.
// Only tenant-bound principals own rows.
func NewOwnership(ctx context.Context, now time.Time) (Ownership, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return Ownership{}, auth.ErrUnauthenticated
	}
	if !p.Kind.TenantBound() || p.TenantID <= 0 {
		return Ownership{}, fmt.Errorf("%w: %s principals do not own tenant rows", auth.ErrForbidden, p.Kind)
	}
	return Ownership{TenantID: p.TenantID, CreatedBy: p.IdentityID, CreatedAt: now.UTC()}, nil
}
