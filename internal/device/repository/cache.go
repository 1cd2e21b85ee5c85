package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"session-authority/internal/logging"
)

const (
	// BlockedCachePrefix is the prefix for blocked-device cache keys.
	BlockedCachePrefix = "blocked_device:"
	// DefaultBlockedCacheTTL bounds how long a cached "blocked" answer may outlive an unblock.
	DefaultBlockedCacheTTL = 5 * time.Minute
	// DefaultNotBlockedCacheTTL bounds how long a "not blocked" answer may be served from Redis.
	DefaultNotBlockedCacheTTL = 5 * time.Second

	cachedBlocked    = "1"
	cachedNotBlocked = "0"
)

// CachedRepository answers IsBlocked from Redis. Block writes the positive answer through, so a
// block is visible to every process at once. Negative answers are only added with SET NX and a short
// TTL: a lookup that raced a Block cannot overwrite its "1", and a failed write-through is bounded by
// the negative TTL. Unblock deletes the key; if that fails the device stays blocked for at most ttl.
// Redis read failures fall through to the repository.
type CachedRepository struct {
	Repository
	client *redis.Client
	ttl    time.Duration
	negTTL time.Duration
	log    logrus.FieldLogger
}

// NewCachedRepository wraps repo. ttl <= 0 uses DefaultBlockedCacheTTL.
func NewCachedRepository(repo Repository, client *redis.Client, ttl time.Duration, log logrus.FieldLogger) *CachedRepository {
	if ttl <= 0 {
		ttl = DefaultBlockedCacheTTL
	}
	if log == nil {
		log = logging.Discard()
	}
	negTTL := DefaultNotBlockedCacheTTL
	if ttl < negTTL {
		negTTL = ttl
	}
	return &CachedRepository{Repository: repo, client: client, ttl: ttl, negTTL: negTTL, log: log}
}

func (c *CachedRepository) IsBlocked(ctx context.Context, deviceID string) (bool, error) {
	key := BlockedCachePrefix + deviceID
	v, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return v == cachedBlocked, nil
	case !errors.Is(err, redis.Nil):
		c.log.WithError(err).WithField("device_id", deviceID).Warn("blocklist: cache read failed")
	}

	blocked, err := c.Repository.IsBlocked(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if blocked {
		err = c.client.Set(ctx, key, cachedBlocked, c.ttl).Err()
	} else {
		err = c.client.SetNX(ctx, key, cachedNotBlocked, c.negTTL).Err()
	}
	if err != nil {
		c.log.WithError(err).WithField("device_id", deviceID).Warn("blocklist: cache write failed")
	}
	return blocked, nil
}

func (c *CachedRepository) Block(ctx context.Context, deviceID, reason, blockedBy string) error {
	if err := c.Repository.Block(ctx, deviceID, reason, blockedBy); err != nil {
		return err
	}
	if err := c.client.Set(ctx, BlockedCachePrefix+deviceID, cachedBlocked, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("device_id", deviceID).Warn("blocklist: cache write-through failed")
	}
	return nil
}

func (c *CachedRepository) Unblock(ctx context.Context, deviceID string) error {
	if err := c.Repository.Unblock(ctx, deviceID); err != nil {
		return err
	}
	if err := c.client.Del(ctx, BlockedCachePrefix+deviceID).Err(); err != nil {
		c.log.WithError(err).WithField("device_id", deviceID).Warn("blocklist: cache invalidation failed")
	}
	return nil
}

var _ Repository = (*CachedRepository)(nil)
