package store

import (
	"context"
	"time"
)

// Lease represents a lock held in the backing lock table. Release frees
// it; releasing twice (or after TTL expiry) returns ErrLeaseReleased.
type Lease interface {
	Release(ctx context.Context) error
}

// Store is the lock table client. TryAcquire and TryAcquireRW are
// single-shot, atomic and non-blocking: a nil Lease with a nil error
// means the lock is currently held by someone else.
type Store interface {
	TryAcquire(ctx context.Context, name, key string) (Lease, error)
	TryAcquireRW(ctx context.Context, name, key string, write bool) (Lease, error)
}

type config struct {
	ttl time.Duration
}

// Option configures a Store implementation.
type Option func(*config)

// WithTTL sets an expiry on acquired leases. Zero (the default) means
// leases never expire on their own.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}
