package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// CachedRegistry puts a Redis read-through cache in front of another registry
// for the inbound Resolve path.
type CachedRegistry struct {
	next   Registry
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewCachedRegistry wraps next with a Redis cache. A zero ttl disables caching.
func NewCachedRegistry(next Registry, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedRegistry {
	if next == nil {
		panic("tenancy: next registry required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedRegistry{next: next, redis: client, ttl: ttl, logger: logger}
}

func (c *CachedRegistry) key(channelNumberID string) string {
	return fmt.Sprintf("tenant:channel:%s", normalizeChannel(channelNumberID))
}

// Resolve implements Registry. Cache failures fall through to the backing registry.
func (c *CachedRegistry) Resolve(ctx context.Context, channelNumberID string) (*Tenant, error) {
	if c.redis == nil || c.ttl <= 0 {
		return c.next.Resolve(ctx, channelNumberID)
	}
	data, err := c.redis.Get(ctx, c.key(channelNumberID)).Bytes()
	switch {
	case err == nil:
		var t Tenant
		if jsonErr := json.Unmarshal(data, &t); jsonErr == nil && t.Active() {
			return &t, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("tenant cache read failed", "channel_number_id", channelNumberID, "error", err)
	}

	t, err := c.next.Resolve(ctx, channelNumberID)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(t); err == nil {
		if err := c.redis.Set(ctx, c.key(channelNumberID), payload, c.ttl).Err(); err != nil {
			c.logger.Warn("tenant cache write failed", "channel_number_id", channelNumberID, "error", err)
		}
	}
	return t, nil
}

// Invalidate drops the cached entry for a channel number.
func (c *CachedRegistry) Invalidate(ctx context.Context, channelNumberID string) error {
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, c.key(channelNumberID)).Err(); err != nil {
		return fmt.Errorf("tenancy: invalidate cache: %w", err)
	}
	return nil
}

// Get implements Registry.
func (c *CachedRegistry) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	return c.next.Get(ctx, tenantID)
}

// ListActive implements Registry.
func (c *CachedRegistry) ListActive(ctx context.Context) ([]*Tenant, error) {
	return c.next.ListActive(ctx)
}
