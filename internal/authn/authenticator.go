// Package authn resolves the caller of each request. Failures never reject a
// request here; they leave it unauthenticated and downstream guards decide.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cinetenant.org/internal/audit"
	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/credential"
	"cinetenant.org/internal/obs"
	"cinetenant.org/internal/principalcache"
)

const bearerPrefix = "bearer "

// Outcome is the terminal state of one authentication attempt.
type Outcome string

const (
	OutcomeNoCredential  Outcome = "no_credential"
	OutcomeRevoked       Outcome = "revoked"
	OutcomeInvalid       Outcome = "invalid"
	OutcomeUnresolved    Outcome = "unresolved"
	OutcomeAuthenticated Outcome = "authenticated"
)

var (
	errRoleOutsideTenant = errors.New("role no longer belongs to the credential tenant")

	// ErrCredentialSuperseded marks an access credential issued before its
	// identity's role or status last changed.
	ErrCredentialSuperseded = errors.New("credential predates identity revocation")
)

// Verifier checks credentials.
type Verifier interface {
	VerifyKind(token string, kind credential.Kind) (*credential.Claims, error)
}

// RevocationChecker answers whether a credential was revoked, either on its
// own or through an identity-wide cutoff.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) bool
	IssuedBeforeRevocation(ctx context.Context, identityID int64, issuedAt time.Time) bool
}

// Result describes one authentication attempt.
type Result struct {
	Outcome   Outcome
	Principal auth.Principal
	Token     string
	Claims    *credential.Claims
	Err       error
}

// Authenticated reports whether a principal was bound.
func (r Result) Authenticated() bool {
	return r.Outcome == OutcomeAuthenticated
}

// Authenticator runs the per-request pipeline: revocation check, verification,
// principal resolution through the cache, then binding.
type Authenticator struct {
	verifier    Verifier
	revocations RevocationChecker
	roles       auth.RoleLookup
	cache       principalcache.Cache
	cacheTTL    time.Duration
	audit       audit.Sink
	log         *zap.Logger
}

// Option configures Authenticator behavior.
type Option func(*Authenticator)

// WithCache enables read-through principal caching.
func WithCache(cache principalcache.Cache, ttl time.Duration) Option {
	return func(a *Authenticator) {
		a.cache = cache
		a.cacheTTL = ttl
	}
}

// WithAudit sends rejected credentials to sink.
func WithAudit(sink audit.Sink) Option {
	return func(a *Authenticator) {
		a.audit = sink
	}
}

// WithLogger sets the logger for resolution faults.
func WithLogger(log *zap.Logger) Option {
	return func(a *Authenticator) {
		if log != nil {
			a.log = log
		}
	}
}

func New(verifier Verifier, revocations RevocationChecker, roles auth.RoleLookup, opts ...Option) (*Authenticator, error) {
	if verifier == nil {
		return nil, errors.New("credential verifier is required")
	}
	if revocations == nil {
		return nil, errors.New("revocation checker is required")
	}
	if roles == nil {
		return nil, errors.New("role lookup is required")
	}
	a := &Authenticator{
		verifier:    verifier,
		revocations: revocations,
		roles:       roles,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate resolves the Authorization header value. It never panics and
// never returns an error to abort the request.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Error("principal resolution panicked", zap.Any("panic", rec))
			res = Result{Outcome: OutcomeUnresolved, Err: fmt.Errorf("panic: %v", rec)}
		}
		a.record(ctx, res)
	}()

	token, ok := BearerToken(header)
	if !ok {
		return Result{Outcome: OutcomeNoCredential}
	}
	if a.revocations.IsRevoked(ctx, token) {
		return Result{Outcome: OutcomeRevoked}
	}
	claims, err := a.verifier.VerifyKind(token, credential.KindAccess)
	if err != nil {
		return Result{Outcome: OutcomeInvalid, Err: err}
	}
	if a.revocations.IssuedBeforeRevocation(ctx, claims.IdentityID, issuedAt(claims)) {
		return Result{Outcome: OutcomeUnresolved, Claims: claims, Err: ErrCredentialSuperseded}
	}
	principal, err := a.resolve(ctx, claims)
	if err != nil {
		return Result{Outcome: OutcomeUnresolved, Claims: claims, Err: err}
	}
	return Result{Outcome: OutcomeAuthenticated, Principal: principal, Token: token, Claims: claims}
}

func (a *Authenticator) resolve(ctx context.Context, claims *credential.Claims) (auth.Principal, error) {
	if a.cache != nil {
		if cached, ok := a.cache.Get(ctx, claims.IdentityID); ok {
			if matchesClaims(cached, claims) {
				obs.RecordCacheLookup(principalcache.ResultHit)
				return cached, nil
			}
			obs.RecordCacheLookup(principalcache.ResultStale)
		}
	}

	role, err := a.roles.Role(ctx, claims.RoleID)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("lookup role %d: %w", claims.RoleID, err)
	}
	if !role.BelongsTo(claims.TenantID) {
		return auth.Principal{}, errRoleOutsideTenant
	}
	principal := PrincipalFromClaims(claims, role)
	if a.cache != nil {
		a.cache.Put(ctx, claims.IdentityID, principal, a.cacheTTL)
	}
	return principal, nil
}

// PrincipalFromClaims rebuilds a principal from verified access claims and the
// role they name. The role is authoritative for name, level and permissions.
func PrincipalFromClaims(claims *credential.Claims, role auth.Role) auth.Principal {
	identity := auth.Identity{
		ID:             claims.IdentityID,
		TenantID:       claims.TenantID,
		Email:          claims.Email,
		Kind:           claims.UserKind,
		CustomerID:     claims.CustomerID,
		RoleID:         claims.RoleID,
		ResourceScopes: claims.Scopes,
		Enabled:        true,
	}
	return auth.NewPrincipal(identity, role, nil)
}

func issuedAt(claims *credential.Claims) time.Time {
	if claims.IssuedAt == nil {
		return time.Time{}
	}
	return claims.IssuedAt.Time
}

// matchesClaims rejects cached entries written for another tenant membership or role.
func matchesClaims(p auth.Principal, claims *credential.Claims) bool {
	return p.IdentityID == claims.IdentityID &&
		p.TenantID == claims.TenantID &&
		p.Kind == claims.UserKind &&
		p.RoleID == claims.RoleID &&
		p.Active()
}

func (a *Authenticator) record(ctx context.Context, res Result) {
	obs.RecordAuthnOutcome(string(res.Outcome))
	if a.audit == nil {
		return
	}
	fields := map[string]any{"outcome": string(res.Outcome)}
	switch res.Outcome {
	case OutcomeRevoked:
	case OutcomeInvalid:
		fields["reason"] = string(credential.ReasonOf(res.Err))
	case OutcomeUnresolved:
		if res.Claims != nil {
			fields["identity_id"] = res.Claims.IdentityID
			fields["role_id"] = res.Claims.RoleID
		}
		if res.Err != nil {
			fields["error"] = res.Err.Error()
		}
	default:
		return
	}
	if err := a.audit.LogEvent(ctx, "authn.rejected", fields); err != nil {
		a.log.Warn("audit write failed", zap.Error(err))
	}
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
