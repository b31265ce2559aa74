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
	"cinetenant.org/internal/principalcache"
)

// Issuer issues and verifies credentials for the session endpoints.
type Issuer interface {
	Verifier
	Issue(principal auth.Principal, kind credential.Kind) (credential.Credential, error)
	TTL(kind credential.Kind) time.Duration
	Remaining(claims *credential.Claims) time.Duration
}

// Revoker records and checks revoked credentials.
type Revoker interface {
	RevocationChecker
	Revoke(ctx context.Context, token string, ttl time.Duration) error
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresIn        time.Duration
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Principal        auth.Principal
}

// Sessions implements login, logout and refresh on top of the codec, the
// revocation registry and the principal cache.
type Sessions struct {
	issuer      Issuer
	identities  auth.IdentityStore
	roles       auth.RoleLookup
	revocations Revoker
	cache       principalcache.Cache
	audit       audit.Sink
	log         *zap.Logger
}

// SessionOption configures Sessions behavior.
type SessionOption func(*Sessions)

// WithSessionCache primes and invalidates the principal cache on session changes.
func WithSessionCache(cache principalcache.Cache) SessionOption {
	return func(s *Sessions) {
		s.cache = cache
	}
}

// WithSessionAudit records failed logins and refreshes.
func WithSessionAudit(sink audit.Sink) SessionOption {
	return func(s *Sessions) {
		s.audit = sink
	}
}

// WithSessionLogger sets the logger used for degraded-mode warnings.
func WithSessionLogger(log *zap.Logger) SessionOption {
	return func(s *Sessions) {
		if log != nil {
			s.log = log
		}
	}
}

func NewSessions(issuer Issuer, identities auth.IdentityStore, roles auth.RoleLookup, revocations Revoker, opts ...SessionOption) (*Sessions, error) {
	if issuer == nil || identities == nil || roles == nil || revocations == nil {
		return nil, errors.New("issuer, identities, roles and revocations are required")
	}
	s := &Sessions{
		issuer:      issuer,
		identities:  identities,
		roles:       roles,
		revocations: revocations,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login checks the password of the identity registered under email and issues a fresh pair.
func (s *Sessions) Login(ctx context.Context, email, password string) (TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return TokenPair{}, auth.ErrUnauthenticated
	}
	identity, err := s.identities.IdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			s.reject(ctx, "auth.login_failed", map[string]any{"reason": "unknown_identity"})
			return TokenPair{}, auth.ErrUnauthenticated
		}
		return TokenPair{}, fmt.Errorf("load identity: %w", err)
	}
	if !identity.CanLogin() {
		s.reject(ctx, "auth.login_failed", map[string]any{"reason": "disabled", "identity_id": identity.ID})
		return TokenPair{}, auth.ErrUnauthenticated
	}
	if err := auth.VerifyPassword(identity.PasswordHash, password); err != nil {
		s.reject(ctx, "auth.login_failed", map[string]any{"reason": "bad_password", "identity_id": identity.ID})
		return TokenPair{}, auth.ErrUnauthenticated
	}
	principal, err := s.principalFor(ctx, identity)
	if err != nil {
		s.reject(ctx, "auth.login_failed", map[string]any{"reason": "role", "identity_id": identity.ID})
		return TokenPair{}, err
	}
	return s.mint(ctx, principal)
}

// Logout revokes the access credential for its remaining lifetime, revokes
// refreshToken too when it belongs to the same identity, and evicts the cached principal.
func (s *Sessions) Logout(ctx context.Context, accessToken, refreshToken string) error {
	claims, err := s.issuer.VerifyKind(accessToken, credential.KindAccess)
	if err != nil {
		return auth.ErrUnauthenticated
	}
	if err := s.revocations.Revoke(ctx, accessToken, s.issuer.Remaining(claims)); err != nil {
		return fmt.Errorf("revoke access credential: %w", err)
	}
	if strings.TrimSpace(refreshToken) != "" {
		rc, err := s.issuer.VerifyKind(refreshToken, credential.KindRefresh)
		if err == nil && rc.IdentityID == claims.IdentityID {
			if err := s.revocations.Revoke(ctx, refreshToken, s.issuer.Remaining(rc)); err != nil {
				return fmt.Errorf("revoke refresh credential: %w", err)
			}
		}
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, claims.IdentityID)
	}
	return nil
}

// Refresh exchanges a refresh credential for a new pair. The identity must still
// be able to log in and its current role must still exist in its tenant. The
// consumed refresh credential is revoked.
func (s *Sessions) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, auth.ErrUnauthenticated
	}
	if s.revocations.IsRevoked(ctx, refreshToken) {
		s.reject(ctx, "auth.refresh_failed", map[string]any{"reason": "revoked"})
		return TokenPair{}, auth.ErrUnauthenticated
	}
	claims, err := s.issuer.VerifyKind(refreshToken, credential.KindRefresh)
	if err != nil {
		s.reject(ctx, "auth.refresh_failed", map[string]any{"reason": string(credential.ReasonOf(err))})
		return TokenPair{}, auth.ErrUnauthenticated
	}
	identity, err := s.identities.Identity(ctx, claims.IdentityID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			s.reject(ctx, "auth.refresh_failed", map[string]any{"reason": "unknown_identity", "identity_id": claims.IdentityID})
			return TokenPair{}, auth.ErrUnauthenticated
		}
		return TokenPair{}, fmt.Errorf("load identity: %w", err)
	}
	if !identity.CanLogin() {
		s.reject(ctx, "auth.refresh_failed", map[string]any{"reason": "disabled", "identity_id": identity.ID})
		return TokenPair{}, auth.ErrUnauthenticated
	}
	principal, err := s.principalFor(ctx, identity)
	if err != nil {
		s.reject(ctx, "auth.refresh_failed", map[string]any{"reason": "role", "identity_id": identity.ID})
		return TokenPair{}, err
	}
	if err := s.revocations.Revoke(ctx, refreshToken, s.issuer.Remaining(claims)); err != nil {
		s.log.Warn("refresh credential rotation failed", zap.Int64("identity_id", identity.ID), zap.Error(err))
	}
	return s.mint(ctx, principal)
}

func (s *Sessions) principalFor(ctx context.Context, identity auth.Identity) (auth.Principal, error) {
	role, err := s.roles.Role(ctx, identity.RoleID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Principal{}, auth.ErrUnauthenticated
		}
		return auth.Principal{}, fmt.Errorf("load role: %w", err)
	}
	if !role.BelongsTo(identity.TenantID) {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	return auth.NewPrincipal(identity, role, nil), nil
}

func (s *Sessions) mint(ctx context.Context, principal auth.Principal) (TokenPair, error) {
	access, err := s.issuer.Issue(principal, credential.KindAccess)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.issuer.Issue(principal, credential.KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	if s.cache != nil {
		s.cache.Put(ctx, principal.IdentityID, principal, s.issuer.TTL(credential.KindAccess))
	}
	return TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		TokenType:        "Bearer",
		ExpiresIn:        access.ExpiresAt.Sub(access.IssuedAt),
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
		Principal:        principal,
	}, nil
}

func (s *Sessions) reject(ctx context.Context, event string, fields map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogEvent(ctx, event, fields); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}
