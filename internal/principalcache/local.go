package principalcache

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/obs"
)

// Local is an in-process cache for single-instance deployments. Entries share
// one lifetime; the per-call ttl passed to Put is ignored.
type Local struct {
	lru *expirable.LRU[int64, auth.Principal]
}

func NewLocal(size int, ttl time.Duration) (*Local, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if ttl <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	return &Local{lru: expirable.NewLRU[int64, auth.Principal](size, nil, ttl)}, nil
}

func (c *Local) Get(_ context.Context, identityID int64) (auth.Principal, bool) {
	p, ok := c.lru.Get(identityID)
	if !ok {
		obs.RecordCacheLookup(resultMiss)
		return auth.Principal{}, false
	}
	return p, true
}

func (c *Local) Put(_ context.Context, identityID int64, principal auth.Principal, _ time.Duration) {
	c.lru.Add(identityID, principal)
}

func (c *Local) Invalidate(_ context.Context, identityID int64) {
	c.lru.Remove(identityID)
}

// RefreshTTL re-adds the entry, which restarts its lifetime.
func (c *Local) RefreshTTL(_ context.Context, identityID int64) {
	if p, ok := c.lru.Peek(identityID); ok {
		c.lru.Add(identityID, p)
	}
}
