// pkg/tenants/cache.go
package tenants

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cachedDirectory is a redis read-through layer over another Directory.
// Tenant records are hot on every gated request (the access decision
// reads the candidate's path), so Get and IsDescendantOrSelf serve from
// cache; set-valued and mutating operations always hit the inner store.
// Mutations invalidate eagerly; reparented descendants may serve a
// stale path for at most the TTL, which is why the TTL defaults short.
type cachedDirectory struct {
	inner Directory
	rdb   *redis.Client
	ttl   time.Duration
	log   *zap.SugaredLogger
}

func NewCachedDirectory(inner Directory, rdb *redis.Client, ttl time.Duration, log *zap.SugaredLogger) Directory {
	if rdb == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &cachedDirectory{inner: inner, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(id string) string { return "tenant:" + id }

func (c *cachedDirectory) Get(ctx context.Context, id string) (Tenant, error) {
	if raw, err := c.rdb.Get(ctx, cacheKey(id)).Bytes(); err == nil {
		var t Tenant
		if json.Unmarshal(raw, &t) == nil {
			return t, nil
		}
	}
	t, err := c.inner.Get(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	if raw, err := json.Marshal(t); err == nil {
		if err := c.rdb.Set(ctx, cacheKey(id), raw, c.ttl).Err(); err != nil {
			c.log.Debugw("tenant cache set failed", "id", id, "err", err)
		}
	}
	return t, nil
}

func (c *cachedDirectory) IsDescendantOrSelf(ctx context.Context, candidateID, ancestorID string) (bool, error) {
	t, err := c.Get(ctx, candidateID)
	if err != nil {
		return false, err
	}
	return pathContains(t.Path, ancestorID), nil
}

func (c *cachedDirectory) AccessibleTenantIDs(ctx context.Context, rootID string) ([]string, error) {
	return c.inner.AccessibleTenantIDs(ctx, rootID)
}

func (c *cachedDirectory) Create(ctx context.Context, t Tenant) (Tenant, error) {
	created, err := c.inner.Create(ctx, t)
	if err != nil {
		return Tenant{}, err
	}
	c.invalidate(ctx, created.ID)
	return created, nil
}

func (c *cachedDirectory) Deactivate(ctx context.Context, id string) error {
	if err := c.inner.Deactivate(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

func (c *cachedDirectory) Reparent(ctx context.Context, tenantID, newParentID string) error {
	if err := c.inner.Reparent(ctx, tenantID, newParentID); err != nil {
		return err
	}
	// Every path in the moved subtree changed.
	ids, err := c.inner.AccessibleTenantIDs(ctx, tenantID)
	if err != nil {
		ids = nil
	}
	c.invalidate(ctx, append(ids, tenantID)...)
	return nil
}

func (c *cachedDirectory) invalidate(ctx context.Context, ids ...string) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, cacheKey(id))
	}
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warnw("tenant cache invalidation failed", "keys", len(keys), "err", err)
	}
}
