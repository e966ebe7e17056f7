package relay

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// LastKnown keeps the last location envelope of every driver beyond the
// lifetime of the relay process.
type LastKnown interface {
	Put(ctx context.Context, driverID string, data []byte) error
	Get(ctx context.Context, driverID string) ([]byte, bool, error)
}

type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(addr string, db int, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{rdb: rdb, prefix: "fleet:last:", ttl: ttl}, nil
}

func (c *RedisCache) Put(ctx context.Context, driverID string, data []byte) error {
	return c.rdb.Set(ctx, c.prefix+driverID, data, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, driverID string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, c.prefix+driverID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
