// Package principalcache keeps resolved principals close to the request path.
// The cache is advisory: every backend fault reads as a miss and every write
// failure is dropped, so losing the cache only costs a role lookup.
package principalcache

import (
	"context"
	"time"

	"cinetenant.org/internal/auth"
)

// Cache maps identity ids to resolved principals. Get counts misses and
// faults only; the caller validates a returned entry and records ResultHit or
// ResultStale for it.
type Cache interface {
	Get(ctx context.Context, identityID int64) (auth.Principal, bool)
	Put(ctx context.Context, identityID int64, principal auth.Principal, ttl time.Duration)
	Invalidate(ctx context.Context, identityID int64)
	RefreshTTL(ctx context.Context, identityID int64)
}

// Lookup results recorded by callers.
const (
	ResultHit   = "hit"
	ResultStale = "stale"
)

const (
	resultMiss  = "miss"
	resultError = "error"
)
