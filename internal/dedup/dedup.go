// Package dedup enforces at-most-once processing per notification id with a
// bounded, time-expiring seen set.
package dedup

import (
	"context"
	"fmt"
	"time"

	"trustgate/internal/config"
	"trustgate/internal/logging"
)

// Set records notification ids. Implementations are safe for concurrent use.
type Set interface {
	// MarkSeen atomically records id and reports whether this call was the
	// first to do so within the TTL.
	MarkSeen(ctx context.Context, id string) (bool, error)
	Close() error
}

// New builds the configured backend. A Redis backend is wrapped so that a
// Redis outage degrades to the in-process set instead of halting processing.
func New(cfg config.DedupConfig, ttl time.Duration) (Set, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemory(ttl, cfg.Capacity), nil
	case "redis":
		r := NewRedis(RedisOptions{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
			TTL:      ttl,
		})
		return &fallbackSet{primary: r, secondary: NewMemory(ttl, cfg.Capacity)}, nil
	default:
		return nil, fmt.Errorf("unsupported dedup backend: %s (use 'memory' or 'redis')", cfg.Backend)
	}
}

// fallbackSet consults secondary only when primary errors.
type fallbackSet struct {
	primary   Set
	secondary Set
}

func (f *fallbackSet) MarkSeen(ctx context.Context, id string) (bool, error) {
	first, err := f.primary.MarkSeen(ctx, id)
	if err == nil {
		// Keep the local set warm so a later outage still sees this id.
		_, _ = f.secondary.MarkSeen(ctx, id)
		return first, nil
	}
	logging.Get(logging.CategoryListener).Warn("dedup backend unavailable, using in-process set: %v", err)
	return f.secondary.MarkSeen(ctx, id)
}

func (f *fallbackSet) Close() error {
	err := f.primary.Close()
	if serr := f.secondary.Close(); err == nil {
		err = serr
	}
	return err
}
