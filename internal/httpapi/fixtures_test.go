package httpapi

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/authn"
	"cinetenant.org/internal/credential"
	"cinetenant.org/internal/principalcache"
	"cinetenant.org/internal/revocation"
	"cinetenant.org/internal/tenancy"
)

const testPassword = "popcorn-and-soda"

// directory is an in-memory auth.RBACStore.
type directory struct {
	mu         sync.Mutex
	identities map[int64]auth.Identity
	roles      map[int64]auth.Role
	inactive   map[string]bool
}

func newDirectory(t *testing.T) *directory {
	t.Helper()
	hash, err := auth.HashPassword(testPassword, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	customer := int64(7)
	return &directory{
		identities: map[int64]auth.Identity{
			500: {ID: 500, TenantID: 42, Email: "owner@example.com", PasswordHash: hash, Kind: auth.UserKindEmployee, RoleID: 1, Enabled: true},
			501: {ID: 501, TenantID: 42, Email: "manager@example.com", PasswordHash: hash, Kind: auth.UserKindEmployee, RoleID: 9, ResourceScopes: []int64{3, 5}, Enabled: true},
			502: {ID: 502, TenantID: 42, Email: "clerk@example.com", PasswordHash: hash, Kind: auth.UserKindEmployee, RoleID: 10, Enabled: true},
			77:  {ID: 77, TenantID: 42, Email: "guest@example.com", PasswordHash: hash, Kind: auth.UserKindCustomer, CustomerID: &customer, RoleID: 2, Enabled: true},
		},
		roles: map[int64]auth.Role{
			1:  {ID: 1, TenantID: 42, Name: "owner", Level: 1, Permissions: []string{auth.PermIdentityUpdate, auth.PermRoleUpdate}},
			9:  {ID: 9, TenantID: 42, Name: "manager", Level: 3, Permissions: []string{"showtime:update", auth.PermIdentityUpdate}},
			10: {ID: 10, TenantID: 42, Name: "clerk", Level: 5, Permissions: []string{"ticket:sell"}},
			2:  {ID: 2, TenantID: 42, Name: "customer", Level: 9, Permissions: []string{"ticket:buy"}},
		},
		inactive: map[string]bool{},
	}
}

func (d *directory) Role(_ context.Context, roleID int64) (auth.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	role, ok := d.roles[roleID]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	var active []string
	for _, code := range role.Permissions {
		if !d.inactive[code] {
			active = append(active, code)
		}
	}
	role.Permissions = active
	return role, nil
}

func (d *directory) IdentityByEmail(_ context.Context, email string) (auth.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, identity := range d.identities {
		if identity.Email == email {
			return identity, nil
		}
	}
	return auth.Identity{}, auth.ErrNotFound
}

func (d *directory) Identity(_ context.Context, id int64) (auth.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	identity, ok := d.identities[id]
	if !ok {
		return auth.Identity{}, auth.ErrNotFound
	}
	return identity, nil
}

func (d *directory) SetIdentityRole(_ context.Context, identityID, roleID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	identity, ok := d.identities[identityID]
	if !ok {
		return auth.ErrNotFound
	}
	identity.RoleID = roleID
	d.identities[identityID] = identity
	return nil
}

func (d *directory) SetIdentityEnabled(_ context.Context, identityID int64, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	identity, ok := d.identities[identityID]
	if !ok {
		return auth.ErrNotFound
	}
	identity.Enabled = enabled
	d.identities[identityID] = identity
	return nil
}

func (d *directory) SetRolePermissions(_ context.Context, roleID int64, codes []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	role, ok := d.roles[roleID]
	if !ok {
		return auth.ErrNotFound
	}
	role.Permissions = append([]string(nil), codes...)
	d.roles[roleID] = role
	return nil
}

func (d *directory) SetPermissionActive(_ context.Context, _ int64, code string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inactive[code] = !active
	return nil
}

func (d *directory) IdentitiesWithRole(_ context.Context, roleID int64) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []int64
	for id, identity := range d.identities {
		if identity.RoleID == roleID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (d *directory) IdentitiesInTenant(_ context.Context, tenantID int64) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []int64
	for id, identity := range d.identities {
		if identity.TenantID == tenantID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type auditRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *auditRecorder) LogEvent(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *auditRecorder) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type testEnv struct {
	api   *API
	mock  sqlmock.Sqlmock
	mr    *miniredis.Miniredis
	dir   *directory
	codec *credential.Codec
	cache *principalcache.Local
	audit *auditRecorder
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		mock:  mock,
		mr:    mr,
		dir:   newDirectory(t),
		audit: &auditRecorder{},
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }

	keys, err := credential.NewKeyring("k1", "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	env.codec, err = credential.NewCodec(keys, credential.WithAccessTTL(15*time.Minute), credential.WithClock(clock))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	registry, err := revocation.New(revocation.NewRedis(client), revocation.WithClock(clock))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	env.cache, err = principalcache.NewLocal(64, time.Hour)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	authenticator, err := authn.New(env.codec, registry, env.dir, authn.WithCache(env.cache, time.Hour))
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	sessions, err := authn.NewSessions(env.codec, env.dir, env.dir, registry, authn.WithSessionCache(env.cache))
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	scope, err := tenancy.New()
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	rbac, err := auth.NewRBACService(env.dir, scope.DeferInvalidation(env.cache),
		auth.WithCredentialRevoker(scope.RestampRevocation(registry), 15*time.Minute))
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}

	env.api, err = New(Deps{
		Sessions:      sessions,
		RBAC:          rbac,
		Authenticator: authenticator,
		Scope:         scope,
		DB:            db,
		Ready:         ReadyProbe{DB: db, Redis: client},
	}, WithAudit(env.audit), WithVersion("test"))
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sql expectations: %v", err)
		}
	})
	return env
}

// expectScoped registers one request transaction. args are the key/value
// pairs the scope statement binds; nil skips the argument check.
func (e *testEnv) expectScoped(commit bool, args ...driver.Value) {
	e.mock.ExpectBegin()
	exec := e.mock.ExpectExec("select set_config")
	if len(args) > 0 {
		exec = exec.WithArgs(args...)
	}
	exec.WillReturnResult(sqlmock.NewResult(0, 0))
	if commit {
		e.mock.ExpectCommit()
	} else {
		e.mock.ExpectRollback()
	}
}

func (e *testEnv) expectSystemScope(commit bool) {
	e.expectScoped(commit, "app.user_kind", "SYSTEM")
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, email string) tokenResponse {
	t.Helper()
	e.expectSystemScope(true)
	rec := e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": email, "password": testPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", email, rec.Code, rec.Body.String())
	}
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp
}
