package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared seen set.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Redis is a seen set shared by every trustgate instance pointed at the same
// Redis, so replicas do not process the same notification twice.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed set. The connection is lazy.
func NewRedis(opts RedisOptions) *Redis {
	if opts.Address == "" {
		opts.Address = "localhost:6379"
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		prefix: opts.Prefix,
		ttl:    opts.TTL,
	}
}

// MarkSeen implements Set with SET NX and the TTL.
func (r *Redis) MarkSeen(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+id, time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Set.
func (r *Redis) Close() error {
	return r.client.Close()
}
