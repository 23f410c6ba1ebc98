// Package dedupe is a best-effort publish-side duplicate guard on Redis.
// Consumers remain the authority on deduplication; this only cuts queue
// noise from rapid re-notifications. It fails open.
package dedupe

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses recently seen idempotency keys.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a deduper with the given suppression window.
func New(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

// AcquireOnce reports true the first time a key is seen inside the TTL
// window, false for duplicates. When Redis is unreachable it reports true:
// publishing a duplicate is safe, dropping a message is not.
func (d *Deduper) AcquireOnce(ctx context.Context, key string) bool {
	ok, err := d.rdb.SetNX(ctx, "publish:"+key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("redis dedup check failed, allowing publish", "key", key, "error", err)
		return true
	}

	if !ok {
		d.logger.Info("suppressed duplicate publish", "key", key)
	}
	return ok
}
