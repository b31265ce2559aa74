package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cinetenant.org/internal/obs"
)

const (
	keyPrefix         = "revoked:"
	identityKeyPrefix = "revoked:identity:"
)

// Backend stores revocation markers with a TTL. Get reports ok=false for a
// missing or expired key.
type Backend interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// Registry records explicitly invalidated credentials. Entries are keyed by a
// hash of the credential and live no longer than the credential itself.
type Registry struct {
	backend    Backend
	log        *zap.Logger
	now        func() time.Time
	failClosed bool
	warn       rate.Sometimes
}

// Option configures Registry behavior.
type Option func(*Registry)

// WithLogger sets the logger used for backend faults.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock overrides the clock used to stamp identity revocations.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithFailClosed makes IsRevoked report true when the backend cannot answer.
// The default reports false so an outage of the registry does not reject all traffic.
func WithFailClosed() Option {
	return func(r *Registry) {
		r.failClosed = true
	}
}

// New creates a Registry on top of backend.
func New(backend Backend, opts ...Option) (*Registry, error) {
	if backend == nil {
		return nil, errors.New("revocation backend is required")
	}
	r := &Registry{
		backend: backend,
		log:     zap.NewNop(),
		now:     time.Now,
		warn:    rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Key returns the storage key for token.
func Key(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// IdentityKey returns the storage key of the identity-wide cutoff.
func IdentityKey(identityID int64) string {
	return identityKeyPrefix + strconv.FormatInt(identityID, 10)
}

// Revoke marks token as revoked for ttl. Revoking twice is harmless; a
// non-positive ttl means the credential already expired and nothing is stored.
func (r *Registry) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("token is required")
	}
	if ttl <= 0 {
		return nil
	}
	if err := r.backend.Set(ctx, Key(token), "1", ttl); err != nil {
		return err
	}
	return nil
}

// RevokeIdentity invalidates every credential issued to identityID up to now.
// ttl should cover the longest-lived credential still checked against the
// cutoff. Credentials issued within the same second as the cutoff are
// rejected as well.
func (r *Registry) RevokeIdentity(ctx context.Context, identityID int64, ttl time.Duration) error {
	if identityID <= 0 {
		return errors.New("identity id is required")
	}
	if ttl <= 0 {
		return nil
	}
	cutoff := strconv.FormatInt(r.now().Unix(), 10)
	if err := r.backend.Set(ctx, IdentityKey(identityID), cutoff, ttl); err != nil {
		return fmt.Errorf("revoke identity %d: %w", identityID, err)
	}
	return nil
}

// IssuedBeforeRevocation reports whether a credential of identityID issued at
// issuedAt predates that identity's revocation cutoff. Backend failures are
// answered according to the fail mode.
func (r *Registry) IssuedBeforeRevocation(ctx context.Context, identityID int64, issuedAt time.Time) bool {
	raw, ok, err := r.backend.Get(ctx, IdentityKey(identityID))
	if err != nil {
		return r.failed(err)
	}
	if !ok {
		return false
	}
	cutoff, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return r.failed(fmt.Errorf("malformed cutoff %q: %w", raw, err))
	}
	return issuedAt.Unix() <= cutoff
}

// IsRevoked reports whether token was revoked. Backend failures are logged
// and answered according to the fail mode.
func (r *Registry) IsRevoked(ctx context.Context, token string) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}
	_, revoked, err := r.backend.Get(ctx, Key(token))
	if err != nil {
		return r.failed(err)
	}
	return revoked
}

func (r *Registry) failed(err error) bool {
	obs.RecordRevocationFailure()
	r.warn.Do(func() {
		r.log.Warn("revocation check failed", zap.Error(err), zap.Bool("fail_closed", r.failClosed))
	})
	return r.failClosed
}
