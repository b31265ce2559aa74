package authn

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/credential"
	"cinetenant.org/internal/principalcache"
	"cinetenant.org/internal/revocation"
)

const testPassword = "popcorn-and-soda"

type stubDirectory struct {
	mu          sync.Mutex
	identities  map[int64]auth.Identity
	roles       map[int64]auth.Role
	roleLookups int
	panicOnRole bool
}

func newStubDirectory(t *testing.T) *stubDirectory {
	t.Helper()
	hash, err := auth.HashPassword(testPassword, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	customer := int64(7)
	return &stubDirectory{
		identities: map[int64]auth.Identity{
			501: {ID: 501, TenantID: 42, Email: "manager@example.com", PasswordHash: hash, Kind: auth.UserKindEmployee, RoleID: 9, ResourceScopes: []int64{3, 5}, Enabled: true},
			77:  {ID: 77, TenantID: 42, Email: "guest@example.com", PasswordHash: hash, Kind: auth.UserKindCustomer, CustomerID: &customer, RoleID: 2, Enabled: true},
			90:  {ID: 90, TenantID: 42, Email: "gone@example.com", PasswordHash: hash, Kind: auth.UserKindEmployee, RoleID: 9, Enabled: false},
		},
		roles: map[int64]auth.Role{
			9:  {ID: 9, TenantID: 42, Name: "manager", Level: 3, Permissions: []string{"showtime:update", auth.PermIdentityUpdate}},
			10: {ID: 10, TenantID: 42, Name: "clerk", Level: 5, Permissions: []string{"ticket:sell"}},
			2:  {ID: 2, TenantID: 42, Name: "customer", Level: 9, Permissions: []string{"ticket:buy"}},
		},
	}
}

func (d *stubDirectory) Role(_ context.Context, roleID int64) (auth.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roleLookups++
	if d.panicOnRole {
		panic("role store exploded")
	}
	role, ok := d.roles[roleID]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return role, nil
}

func (d *stubDirectory) IdentityByEmail(_ context.Context, email string) (auth.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, identity := range d.identities {
		if identity.Email == email {
			return identity, nil
		}
	}
	return auth.Identity{}, auth.ErrNotFound
}

func (d *stubDirectory) Identity(_ context.Context, id int64) (auth.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	identity, ok := d.identities[id]
	if !ok {
		return auth.Identity{}, auth.ErrNotFound
	}
	return identity, nil
}

func (d *stubDirectory) lookups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roleLookups
}

type auditRecorder struct {
	mu     sync.Mutex
	events []string
	fields []map[string]any
}

func (a *auditRecorder) LogEvent(_ context.Context, event string, fields map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.fields = append(a.fields, fields)
	return nil
}

type harness struct {
	dir      *stubDirectory
	codec    *credential.Codec
	registry *revocation.Registry
	cache    *principalcache.Local
	audit    *auditRecorder
	authn    *Authenticator
	sessions *Sessions
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dir:   newStubDirectory(t),
		audit: &auditRecorder{},
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }

	keys, err := credential.NewKeyring("k1", "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	h.codec, err = credential.NewCodec(keys, credential.WithClock(clock))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	h.registry, err = revocation.New(revocation.NewMemory(clock), revocation.WithClock(clock))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h.cache, err = principalcache.NewLocal(128, time.Hour)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	h.authn, err = New(h.codec, h.registry, h.dir, WithCache(h.cache, time.Hour), WithAudit(h.audit))
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	h.sessions, err = NewSessions(h.codec, h.dir, h.dir, h.registry, WithSessionCache(h.cache), WithSessionAudit(h.audit))
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	return h
}

func (h *harness) login(t *testing.T, email string) TokenPair {
	t.Helper()
	pair, err := h.sessions.Login(context.Background(), email, testPassword)
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return pair
}
