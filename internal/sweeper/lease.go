package sweeper

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"family-calls/pkg/utils"
)

// RedisLease is a Lease held in Redis under key with a TTL. The TTL should
// exceed the sweep interval so a healthy holder renews before expiry.
type RedisLease struct {
	rdb    redis.Scripter
	key    string
	holder string
	ttl    time.Duration
}

func NewRedisLease(rdb redis.Scripter, key, holder string, ttl time.Duration) *RedisLease {
	if key == "" {
		key = DefaultLeaseKey
	}
	return &RedisLease{rdb: rdb, key: key, holder: holder, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireLease(ctx, l.rdb, l.key, l.holder, l.ttl)
}

func (l *RedisLease) Release(ctx context.Context) error {
	return utils.ReleaseLease(ctx, l.rdb, l.key, l.holder)
}
