package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RBACService applies administrative changes to roles, permissions and identity
// assignments. Every change that alters what a principal may do evicts the
// affected cached principals so downgrades apply without waiting for expiry.
// Role reassignment and deactivation also cut off credentials already issued,
// since those still name the previous role.
type RBACService struct {
	store       RBACStore
	invalidator Invalidator
	revoker     CredentialRevoker
	revokeTTL   time.Duration
}

// RBACOption configures an RBACService.
type RBACOption func(*RBACService)

// WithCredentialRevoker cuts off an identity's outstanding credentials on role
// reassignment and deactivation. ttl should match the access credential lifetime.
func WithCredentialRevoker(revoker CredentialRevoker, ttl time.Duration) RBACOption {
	return func(s *RBACService) {
		s.revoker = revoker
		s.revokeTTL = ttl
	}
}

func NewRBACService(store RBACStore, invalidator Invalidator, opts ...RBACOption) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	s := &RBACService{store: store, invalidator: invalidator}
	for _, opt := range opts {
		opt(s)
	}
	if s.revoker != nil && s.revokeTTL <= 0 {
		return nil, errors.New("credential revocation ttl must be positive")
	}
	return s, nil
}

// AssignRole moves identityID onto roleID on behalf of actor.
func (s *RBACService) AssignRole(ctx context.Context, actor Principal, identityID, roleID int64) (Identity, error) {
	if identityID <= 0 || roleID <= 0 {
		return Identity{}, fmt.Errorf("%w: identity_id and role_id are required", ErrInvalidInput)
	}
	target, currentRole, err := s.identityWithRole(ctx, identityID)
	if err != nil {
		return Identity{}, err
	}
	if err := CanManageIdentity(actor, target, currentRole); err != nil {
		return Identity{}, err
	}
	next, err := s.store.Role(ctx, roleID)
	if err != nil {
		return Identity{}, err
	}
	if err := CanAssignRole(actor, next); err != nil {
		return Identity{}, err
	}
	if !next.BelongsTo(target.TenantID) {
		return Identity{}, fmt.Errorf("%w: role %d is not part of tenant %d", ErrInvalidInput, roleID, target.TenantID)
	}
	if err := s.store.SetIdentityRole(ctx, identityID, roleID); err != nil {
		return Identity{}, err
	}
	if target.RoleID != roleID {
		if err := s.revokeCredentials(ctx, identityID); err != nil {
			return Identity{}, err
		}
	}
	s.invalidate(ctx, identityID)
	target.RoleID = roleID
	return target, nil
}

// SetIdentityEnabled deactivates or reactivates identityID on behalf of actor.
func (s *RBACService) SetIdentityEnabled(ctx context.Context, actor Principal, identityID int64, enabled bool) (Identity, error) {
	if identityID <= 0 {
		return Identity{}, fmt.Errorf("%w: identity_id is required", ErrInvalidInput)
	}
	if identityID == actor.IdentityID && !enabled {
		return Identity{}, fmt.Errorf("%w: an identity cannot deactivate itself", ErrInvalidInput)
	}
	target, role, err := s.identityWithRole(ctx, identityID)
	if err != nil {
		return Identity{}, err
	}
	if err := CanManageIdentity(actor, target, role); err != nil {
		return Identity{}, err
	}
	if err := s.store.SetIdentityEnabled(ctx, identityID, enabled); err != nil {
		return Identity{}, err
	}
	if !enabled {
		if err := s.revokeCredentials(ctx, identityID); err != nil {
			return Identity{}, err
		}
	}
	s.invalidate(ctx, identityID)
	target.Enabled = enabled
	return target, nil
}

// SetRolePermissions replaces the permission codes granted to roleID. An actor
// may only edit roles at or below its own level and only grant codes it holds.
func (s *RBACService) SetRolePermissions(ctx context.Context, actor Principal, roleID int64, codes []string) error {
	if roleID <= 0 {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	normalized, err := normalizeCodes(codes)
	if err != nil {
		return err
	}
	role, err := s.store.Role(ctx, roleID)
	if err != nil {
		return err
	}
	if role.System {
		return fmt.Errorf("%w: system roles cannot be modified", ErrForbidden)
	}
	if err := CanAssignRole(actor, role); err != nil {
		return err
	}
	for _, code := range normalized {
		if !actor.HasPermission(code) {
			return fmt.Errorf("%w: cannot grant %s without holding it", ErrForbidden, code)
		}
	}
	if err := s.store.SetRolePermissions(ctx, roleID, normalized); err != nil {
		return err
	}
	holders, err := s.store.IdentitiesWithRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("list role holders: %w", err)
	}
	for _, id := range holders {
		s.invalidate(ctx, id)
	}
	return nil
}

// SetPermissionActive toggles a catalog permission for the actor's tenant. Plan
// or tier gating deactivates codes without deleting role grants.
func (s *RBACService) SetPermissionActive(ctx context.Context, actor Principal, code string, active bool) error {
	code, err := ParsePermissionCode(code)
	if err != nil {
		return err
	}
	if !actor.Active() || !actor.Kind.TenantBound() {
		return ErrForbidden
	}
	if err := s.store.SetPermissionActive(ctx, actor.TenantID, code, active); err != nil {
		return err
	}
	members, err := s.store.IdentitiesInTenant(ctx, actor.TenantID)
	if err != nil {
		return fmt.Errorf("list tenant identities: %w", err)
	}
	for _, id := range members {
		s.invalidate(ctx, id)
	}
	return nil
}

func (s *RBACService) identityWithRole(ctx context.Context, identityID int64) (Identity, Role, error) {
	identity, err := s.store.Identity(ctx, identityID)
	if err != nil {
		return Identity{}, Role{}, err
	}
	role, err := s.store.Role(ctx, identity.RoleID)
	if err != nil {
		return Identity{}, Role{}, fmt.Errorf("role of identity %d: %w", identityID, err)
	}
	return identity, role, nil
}

func (s *RBACService) revokeCredentials(ctx context.Context, identityID int64) error {
	if s.revoker == nil {
		return nil
	}
	if err := s.revoker.RevokeIdentity(ctx, identityID, s.revokeTTL); err != nil {
		return fmt.Errorf("revoke credentials of identity %d: %w", identityID, err)
	}
	return nil
}

func (s *RBACService) invalidate(ctx context.Context, identityID int64) {
	if s.invalidator == nil {
		return
	}
	s.invalidator.Invalidate(ctx, identityID)
}

func normalizeCodes(values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		code, err := ParsePermissionCode(v)
		if err != nil {
			return nil, err
		}
		if _, ok := set[code]; ok {
			continue
		}
		set[code] = struct{}{}
		result = append(result, code)
	}
	return result, nil
}
