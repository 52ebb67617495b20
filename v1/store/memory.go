package store

import (
	"context"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	waiterrors "github.com/mirkobrombin/go-waitlock/v1/errors"
)

type lockKey struct {
	name string
	key  string
}

// InMemory implements Store using local memory. It is intended for
// tests and single-process deployments; every process sharing a lock
// table across machines should use the Redis store instead.
type InMemory struct {
	cfg config

	mu      sync.Mutex
	locks   map[lockKey]*memLease
	writers map[lockKey]*memLease
	readers map[lockKey]map[*memLease]struct{}
}

// NewInMemory returns a new in-memory lock store.
func NewInMemory(opts ...Option) *InMemory {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InMemory{
		cfg:     cfg,
		locks:   make(map[lockKey]*memLease),
		writers: make(map[lockKey]*memLease),
		readers: make(map[lockKey]map[*memLease]struct{}),
	}
}

// TryAcquire implements Store.TryAcquire.
func (s *InMemory) TryAcquire(ctx context.Context, name, key string) (Lease, error) {
	k := lockKey{name, key}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[k]; held {
		return nil, nil
	}
	l, err := s.newLease(k, plainLease)
	if err != nil {
		return nil, err
	}
	s.locks[k] = l
	return l, nil
}

// TryAcquireRW implements Store.TryAcquireRW. A write lease is granted
// only when there is no writer and no readers; a read lease only when
// there is no writer.
func (s *InMemory) TryAcquireRW(ctx context.Context, name, key string, write bool) (Lease, error) {
	k := lockKey{name, key}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.writers[k]; held {
		return nil, nil
	}
	if write {
		if len(s.readers[k]) > 0 {
			return nil, nil
		}
		l, err := s.newLease(k, writeLease)
		if err != nil {
			return nil, err
		}
		s.writers[k] = l
		return l, nil
	}
	l, err := s.newLease(k, readLease)
	if err != nil {
		return nil, err
	}
	if s.readers[k] == nil {
		s.readers[k] = make(map[*memLease]struct{})
	}
	s.readers[k][l] = struct{}{}
	return l, nil
}

// newLease is called with s.mu held.
func (s *InMemory) newLease(k lockKey, kind leaseKind) (*memLease, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	l := &memLease{store: s, key: k, kind: kind, token: token}
	if s.cfg.ttl > 0 {
		l.timer = time.AfterFunc(s.cfg.ttl, func() {
			s.mu.Lock()
			l.drop()
			s.mu.Unlock()
		})
	}
	return l, nil
}

type leaseKind int

const (
	plainLease leaseKind = iota
	readLease
	writeLease
)

type memLease struct {
	store *InMemory
	key   lockKey
	kind  leaseKind
	token string

	timer    *time.Timer
	released bool
}

// Release implements Lease.Release.
func (l *memLease) Release(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if l.released {
		return waiterrors.ErrLeaseReleased
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.drop()
	return nil
}

// drop removes the lease from the store tables. Called with the store
// mutex held, from Release or from TTL expiry.
func (l *memLease) drop() {
	if l.released {
		return
	}
	l.released = true
	switch l.kind {
	case plainLease:
		if l.store.locks[l.key] == l {
			delete(l.store.locks, l.key)
		}
	case writeLease:
		if l.store.writers[l.key] == l {
			delete(l.store.writers, l.key)
		}
	case readLease:
		if set := l.store.readers[l.key]; set != nil {
			delete(set, l)
			if len(set) == 0 {
				delete(l.store.readers, l.key)
			}
		}
	}
}
