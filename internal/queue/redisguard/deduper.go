// Package redisguard claims task idempotency keys in Redis so duplicate
// enqueues are suppressed across worker processes.
package redisguard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces idempotency keys.
const DefaultPrefix = "regwatch:task:"

// Deduper implements queue.Deduper with SET NX.
type Deduper struct {
	client *redis.Client
	prefix string
}

// New connects a Deduper to the given Redis instance.
func New(addr, password string, db int) *Deduper {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Deduper{client: rdb, prefix: DefaultPrefix}
}

// Claim sets the key if absent and reports whether this caller won it.
func (d *Deduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %q: %w", key, err)
	}
	return ok, nil
}

// Ping checks connectivity.
func (d *Deduper) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (d *Deduper) Close() error {
	return d.client.Close()
}
