package principalcache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/obs"
)

const keyPrefix = "principal:"

// Redis stores principals as JSON under principal:<identityId>.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
	warn   rate.Sometimes
}

// NewRedis creates a Redis-backed cache. ttl is used by RefreshTTL and by Put
// when the caller passes a non-positive ttl.
func NewRedis(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		log:    log,
		warn:   rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}, nil
}

func key(identityID int64) string {
	return keyPrefix + strconv.FormatInt(identityID, 10)
}

func (c *Redis) Get(ctx context.Context, identityID int64) (auth.Principal, bool) {
	raw, err := c.client.Get(ctx, key(identityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		obs.RecordCacheLookup(resultMiss)
		return auth.Principal{}, false
	}
	if err != nil {
		c.fault("principal cache read failed", identityID, err)
		obs.RecordCacheLookup(resultError)
		return auth.Principal{}, false
	}
	var p auth.Principal
	if err := json.Unmarshal(raw, &p); err != nil || p.IdentityID != identityID {
		c.fault("principal cache entry unreadable", identityID, err)
		obs.RecordCacheLookup(resultError)
		_ = c.client.Del(ctx, key(identityID)).Err()
		return auth.Principal{}, false
	}
	return p, true
}

func (c *Redis) Put(ctx context.Context, identityID int64, principal auth.Principal, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(principal)
	if err != nil {
		c.fault("principal cache encode failed", identityID, err)
		return
	}
	if err := c.client.Set(ctx, key(identityID), raw, ttl).Err(); err != nil {
		c.fault("principal cache write failed", identityID, err)
	}
}

func (c *Redis) Invalidate(ctx context.Context, identityID int64) {
	if err := c.client.Del(ctx, key(identityID)).Err(); err != nil {
		c.fault("principal cache invalidate failed", identityID, err)
	}
}

func (c *Redis) RefreshTTL(ctx context.Context, identityID int64) {
	if err := c.client.Expire(ctx, key(identityID), c.ttl).Err(); err != nil {
		c.fault("principal cache refresh failed", identityID, err)
	}
}

func (c *Redis) fault(msg string, identityID int64, err error) {
	c.warn.Do(func() {
		c.log.Warn(msg, zap.Int64("identity_id", identityID), zap.Error(err))
	})
}
