package policies

import (
	"context"
	"time"

	"github.com/haasonsaas/flowgate/internal/agent/routing"
	"github.com/haasonsaas/flowgate/internal/infra"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// CachedStore memoizes ListActivePolicies per channel scope for a short TTL
// so a burst of messages costs one query. Concurrent misses share one load.
type CachedStore struct {
	next  routing.PolicyStore
	cache *infra.TTLCache[string, []models.RoutingPolicy]
}

// NewCachedStore wraps next. A non-positive ttl disables caching and returns
// next unchanged.
func NewCachedStore(next routing.PolicyStore, ttl time.Duration) routing.PolicyStore {
	if ttl <= 0 {
		return next
	}
	return &CachedStore{
		next:  next,
		cache: infra.NewTTLCache[string, []models.RoutingPolicy](infra.CacheConfig{TTL: ttl, MaxSize: 1024}),
	}
}

// ListActivePolicies returns the cached snapshot or loads it from the
// wrapped store. Callers receive their own slice.
func (c *CachedStore) ListActivePolicies(ctx context.Context, channel models.ChannelType, instanceID string) ([]models.RoutingPolicy, error) {
	key := string(channel) + "\x00" + instanceID
	policies, err := c.cache.Load(key, func() ([]models.RoutingPolicy, error) {
		return c.next.ListActivePolicies(ctx, channel, instanceID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.RoutingPolicy, len(policies))
	copy(out, policies)
	return out, nil
}

// Invalidate drops every cached snapshot.
func (c *CachedStore) Invalidate() {
	c.cache.Clear()
}
