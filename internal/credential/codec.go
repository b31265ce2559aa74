package credential

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/ids"
)

const (
	defaultIssuer     = "cinetenant"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// Kind distinguishes access credentials from refresh credentials.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

func (k Kind) valid() bool {
	return k == KindAccess || k == KindRefresh
}

// Claims is the verified content of a credential. Refresh credentials only
// populate IdentityID and RoleID besides the registered claims.
type Claims struct {
	IdentityID int64         `json:"-"`
	TenantID   int64         `json:"tid,omitempty"`
	UserKind   auth.UserKind `json:"ukind,omitempty"`
	CustomerID *int64        `json:"cid,omitempty"`
	RoleID     int64         `json:"rid"`
	RoleName   string        `json:"rname,omitempty"`
	RoleLevel  int           `json:"rlvl,omitempty"`
	Email      string        `json:"email,omitempty"`
	Scopes     []int64       `json:"scopes,omitempty"`
	TokenType  Kind          `json:"token_type"`
	jwt.RegisteredClaims
}

// Credential is a freshly issued, signed token.
type Credential struct {
	Token     string
	Kind      Kind
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec issues and verifies credentials. It performs no I/O.
type Codec struct {
	keys       *Keyring
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	newID      func() string
}

// Option configures Codec behavior.
type Option func(*Codec) error

// WithIssuer overrides the iss claim stamped and required on credentials.
func WithIssuer(issuer string) Option {
	return func(c *Codec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access credential lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(c *Codec) error {
		if ttl > 0 {
			c.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh credential lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(c *Codec) error {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// WithIDGenerator overrides how jti values are produced.
func WithIDGenerator(fn func() string) Option {
	return func(c *Codec) error {
		if fn != nil {
			c.newID = fn
		}
		return nil
	}
}

// NewCodec constructs a Codec around explicitly provided key material.
func NewCodec(keys *Keyring, opts ...Option) (*Codec, error) {
	if keys == nil {
		return nil, errors.New("credential: keyring is required")
	}
	c := &Codec{
		keys:       keys,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
		newID:      ids.New,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TTL returns the configured lifetime for kind.
func (c *Codec) TTL(kind Kind) time.Duration {
	if kind == KindRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

// Issue signs a credential of the given kind for principal.
func (c *Codec) Issue(principal auth.Principal, kind Kind) (Credential, error) {
	return c.issue(principal, kind, c.TTL(kind))
}

func (c *Codec) issue(principal auth.Principal, kind Kind, ttl time.Duration) (Credential, error) {
	if !kind.valid() {
		return Credential{}, fmt.Errorf("credential: unknown kind %q", kind)
	}
	if principal.IdentityID <= 0 {
		return Credential{}, errors.New("credential: identity id is required")
	}
	now := c.now().UTC()
	exp := now.Add(ttl)
	jti := c.newID()

	claims := Claims{
		RoleID:    principal.RoleID,
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   strconv.FormatInt(principal.IdentityID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	if kind == KindAccess {
		claims.TenantID = principal.TenantID
		claims.UserKind = principal.Kind
		claims.CustomerID = principal.CustomerID
		claims.RoleName = principal.RoleName
		claims.RoleLevel = principal.RoleLevel
		claims.Email = principal.Email
		claims.Scopes = principal.ResourceScopes
	}

	kid, secret := c.keys.signingKey()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(secret)
	if err != nil {
		return Credential{}, fmt.Errorf("sign %s credential: %w", kind, err)
	}
	return Credential{Token: signed, Kind: kind, ID: jti, IssuedAt: now, ExpiresAt: exp}, nil
}

// Verify checks signature, expiry and structure. Failures are *VerifyError.
func (c *Codec) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, invalid(ReasonMalformed, errors.New("empty token"))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, c.keyFunc,
		jwt.WithTimeFunc(c.now),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, invalid(classify(err), err)
	}
	if !claims.TokenType.valid() {
		return nil, invalid(ReasonUnsupported, fmt.Errorf("token type %q", claims.TokenType))
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return nil, invalid(ReasonMalformed, fmt.Errorf("subject %q", claims.Subject))
	}
	claims.IdentityID = id
	if claims.TokenType == KindAccess && !claims.UserKind.Valid() {
		return nil, invalid(ReasonMalformed, fmt.Errorf("user kind %q", claims.UserKind))
	}
	return claims, nil
}

// VerifyKind verifies token and requires it to be of the given kind.
func (c *Codec) VerifyKind(token string, kind Kind) (*Claims, error) {
	claims, err := c.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != kind {
		return nil, invalid(ReasonUnsupported, fmt.Errorf("expected %s credential, got %s", kind, claims.TokenType))
	}
	return claims, nil
}

// Remaining returns how long the verified credential stays valid.
func (c *Codec) Remaining(claims *Claims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Time.Sub(c.now())
}

func (c *Codec) keyFunc(t *jwt.Token) (any, error) {
	if t.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("%w: %v", errUnsupportedAlgorithm, t.Header["alg"])
	}
	kid, _ := t.Header["kid"].(string)
	secret, ok := c.keys.lookup(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
	}
	return secret, nil
}
