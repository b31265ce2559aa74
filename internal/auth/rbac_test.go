package auth

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

type stubRBACStore struct {
	identities map[int64]Identity
	roles      map[int64]Role
	inactive   map[string]bool
}

func newStubRBACStore() *stubRBACStore {
	return &stubRBACStore{
		identities: map[int64]Identity{
			1: {ID: 1, TenantID: 42, Email: "owner@example.com", Kind: UserKindEmployee, RoleID: 10, Enabled: true},
			2: {ID: 2, TenantID: 42, Email: "manager@example.com", Kind: UserKindEmployee, RoleID: 11, Enabled: true},
			3: {ID: 3, TenantID: 42, Email: "clerk@example.com", Kind: UserKindEmployee, RoleID: 12, Enabled: true},
			4: {ID: 4, TenantID: 43, Email: "other@example.com", Kind: UserKindEmployee, RoleID: 13, Enabled: true},
		},
		roles: map[int64]Role{
			10: {ID: 10, TenantID: 42, Name: "owner", Level: 1, Permissions: []string{PermIdentityUpdate, PermRoleUpdate, "ticket:sell"}},
			11: {ID: 11, TenantID: 42, Name: "manager", Level: 3, Permissions: []string{PermIdentityUpdate, PermRoleUpdate}},
			12: {ID: 12, TenantID: 42, Name: "clerk", Level: 5, Permissions: []string{"ticket:sell"}},
			13: {ID: 13, TenantID: 43, Name: "clerk", Level: 5},
			20: {ID: 20, Name: "platform", Level: 0, System: true},
		},
		inactive: map[string]bool{},
	}
}

func (s *stubRBACStore) Role(_ context.Context, roleID int64) (Role, error) {
	role, ok := s.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (s *stubRBACStore) IdentityByEmail(_ context.Context, email string) (Identity, error) {
	for _, identity := range s.identities {
		if identity.Email == email {
			return identity, nil
		}
	}
	return Identity{}, ErrNotFound
}

func (s *stubRBACStore) Identity(_ context.Context, identityID int64) (Identity, error) {
	identity, ok := s.identities[identityID]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return identity, nil
}

func (s *stubRBACStore) SetIdentityRole(_ context.Context, identityID, roleID int64) error {
	identity := s.identities[identityID]
	identity.RoleID = roleID
	s.identities[identityID] = identity
	return nil
}

func (s *stubRBACStore) SetIdentityEnabled(_ context.Context, identityID int64, enabled bool) error {
	identity := s.identities[identityID]
	identity.Enabled = enabled
	s.identities[identityID] = identity
	return nil
}

func (s *stubRBACStore) SetRolePermissions(_ context.Context, roleID int64, codes []string) error {
	role := s.roles[roleID]
	role.Permissions = codes
	s.roles[roleID] = role
	return nil
}

func (s *stubRBACStore) SetPermissionActive(_ context.Context, _ int64, code string, active bool) error {
	s.inactive[code] = !active
	return nil
}

func (s *stubRBACStore) IdentitiesWithRole(_ context.Context, roleID int64) ([]int64, error) {
	var ids []int64
	for id, identity := range s.identities {
		if identity.RoleID == roleID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *stubRBACStore) IdentitiesInTenant(_ context.Context, tenantID int64) ([]int64, error) {
	var ids []int64
	for id, identity := range s.identities {
		if identity.TenantID == tenantID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type recordingInvalidator struct {
	ids []int64
}

func (r *recordingInvalidator) Invalidate(_ context.Context, identityID int64) {
	r.ids = append(r.ids, identityID)
}

func principalFor(t *testing.T, store *stubRBACStore, identityID int64) Principal {
	t.Helper()
	identity := store.identities[identityID]
	return NewPrincipal(identity, store.roles[identity.RoleID], nil)
}

func TestAssignRoleInvalidatesCachedPrincipal(t *testing.T) {
	store := newStubRBACStore()
	inv := &recordingInvalidator{}
	svc, err := NewRBACService(store, inv)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	updated, err := svc.AssignRole(context.Background(), principalFor(t, store, 2), 3, 11)
	if err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if updated.RoleID != 11 || store.identities[3].RoleID != 11 {
		t.Fatalf("role not assigned: %+v", updated)
	}
	if len(inv.ids) != 1 || inv.ids[0] != 3 {
		t.Fatalf("expected identity 3 invalidated, got %v", inv.ids)
	}
}

func TestAssignRoleRejectsEscalation(t *testing.T) {
	store := newStubRBACStore()
	inv := &recordingInvalidator{}
	svc, _ := NewRBACService(store, inv)

	_, err := svc.AssignRole(context.Background(), principalFor(t, store, 2), 3, 10)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if store.identities[3].RoleID != 12 {
		t.Fatalf("role must not change on rejection")
	}
	if len(inv.ids) != 0 {
		t.Fatalf("nothing should be invalidated, got %v", inv.ids)
	}

	if _, err := svc.AssignRole(context.Background(), principalFor(t, store, 2), 3, 20); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for shared system role above actor, got %v", err)
	}
}

func TestAssignRoleRejectsOutrankedTargetAndForeignTenant(t *testing.T) {
	store := newStubRBACStore()
	svc, _ := NewRBACService(store, nil)
	manager := principalFor(t, store, 2)

	if _, err := svc.AssignRole(context.Background(), manager, 1, 12); !errors.Is(err, ErrForbidden) {
		t.Fatalf("manager must not demote the owner, got %v", err)
	}
	if _, err := svc.AssignRole(context.Background(), manager, 4, 12); !errors.Is(err, ErrForbidden) {
		t.Fatalf("manager must not touch another tenant, got %v", err)
	}
	if _, err := svc.AssignRole(context.Background(), manager, 99, 12); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.AssignRole(context.Background(), manager, 0, 12); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSetIdentityEnabled(t *testing.T) {
	store := newStubRBACStore()
	inv := &recordingInvalidator{}
	svc, _ := NewRBACService(store, inv)
	manager := principalFor(t, store, 2)

	if _, err := svc.SetIdentityEnabled(context.Background(), manager, 2, false); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("self deactivation should fail, got %v", err)
	}
	if _, err := svc.SetIdentityEnabled(context.Background(), manager, 1, false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("deactivating a higher ranked identity should fail, got %v", err)
	}
	identity, err := svc.SetIdentityEnabled(context.Background(), manager, 3, false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if identity.Enabled || store.identities[3].Enabled {
		t.Fatal("identity 3 should be disabled")
	}
	if len(inv.ids) != 1 || inv.ids[0] != 3 {
		t.Fatalf("expected identity 3 invalidated, got %v", inv.ids)
	}
}

func TestSetRolePermissions(t *testing.T) {
	store := newStubRBACStore()
	inv := &recordingInvalidator{}
	svc, _ := NewRBACService(store, inv)
	manager := principalFor(t, store, 2)

	if err := svc.SetRolePermissions(context.Background(), manager, 12, []string{"ticket:refund"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("granting an unheld code should fail, got %v", err)
	}
	if err := svc.SetRolePermissions(context.Background(), manager, 10, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("editing a higher ranked role should fail, got %v", err)
	}
	if err := svc.SetRolePermissions(context.Background(), principalFor(t, store, 1), 20, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("system roles are read only, got %v", err)
	}
	if err := svc.SetRolePermissions(context.Background(), manager, 12, []string{"bad"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	owner := principalFor(t, store, 1)
	if err := svc.SetRolePermissions(context.Background(), owner, 12, []string{"Ticket:Sell", "ticket:sell", PermIdentityUpdate}); err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	got := store.roles[12].Permissions
	if len(got) != 2 || got[0] != "ticket:sell" || got[1] != PermIdentityUpdate {
		t.Fatalf("unexpected permissions: %v", got)
	}
	if len(inv.ids) != 1 || inv.ids[0] != 3 {
		t.Fatalf("expected holders of role 12 invalidated, got %v", inv.ids)
	}
}

func TestSetPermissionActiveInvalidatesTenant(t *testing.T) {
	store := newStubRBACStore()
	inv := &recordingInvalidator{}
	svc, _ := NewRBACService(store, inv)

	if err := svc.SetPermissionActive(context.Background(), principalFor(t, store, 1), "Ticket:Sell", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if !store.inactive["ticket:sell"] {
		t.Fatal("permission should be inactive")
	}
	if len(inv.ids) != 3 {
		t.Fatalf("expected the three tenant 42 identities invalidated, got %v", inv.ids)
	}
	system := Principal{IdentityID: 100, Kind: UserKindSystem, Enabled: true}
	if err := svc.SetPermissionActive(context.Background(), system, "ticket:sell", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("system principals have no tenant catalog, got %v", err)
	}
}

type recordingRevoker struct {
	ids  []int64
	ttls []time.Duration
	err  error
}

func (r *recordingRevoker) RevokeIdentity(_ context.Context, identityID int64, ttl time.Duration) error {
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, identityID)
	r.ttls = append(r.ttls, ttl)
	return nil
}

func TestRoleChangeAndDeactivationCutOffCredentials(t *testing.T) {
	store := newStubRBACStore()
	rev := &recordingRevoker{}
	svc, err := NewRBACService(store, &recordingInvalidator{}, WithCredentialRevoker(rev, 15*time.Minute))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	manager := principalFor(t, store, 2)
	ctx := context.Background()

	if _, err := svc.AssignRole(ctx, manager, 3, 12); err != nil {
		t.Fatalf("reassign same role: %v", err)
	}
	if len(rev.ids) != 0 {
		t.Fatalf("unchanged role must not cut off credentials, got %v", rev.ids)
	}
	if _, err := svc.AssignRole(ctx, manager, 3, 11); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if _, err := svc.SetIdentityEnabled(ctx, manager, 3, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := svc.SetIdentityEnabled(ctx, manager, 3, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if len(rev.ids) != 2 || rev.ids[0] != 3 || rev.ids[1] != 3 || rev.ttls[0] != 15*time.Minute {
		t.Fatalf("expected two cutoffs for identity 3, got %v %v", rev.ids, rev.ttls)
	}

	rev.err = errors.New("registry down")
	if _, err := svc.AssignRole(ctx, manager, 3, 12); err == nil || !errors.Is(err, rev.err) {
		t.Fatalf("expected revocation failure to surface, got %v", err)
	}

	if _, err := NewRBACService(store, nil, WithCredentialRevoker(rev, 0)); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}
