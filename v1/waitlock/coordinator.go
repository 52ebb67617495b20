package waitlock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-waitlock/v1/clock"
	"github.com/mirkobrombin/go-waitlock/v1/metrics"
	"github.com/mirkobrombin/go-waitlock/v1/relbus"
	"github.com/mirkobrombin/go-waitlock/v1/store"
)

const (
	defaultCleanupInterval = 30 * time.Second
	defaultRetryInterval   = 100 * time.Millisecond
	defaultRetryFloor      = 5 * time.Second
)

type config struct {
	cleanupInterval time.Duration
	retryInterval   time.Duration
	retryFloor      time.Duration
}

// Option configures a Coordinator.
type Option func(*config)

// WithCleanupInterval sets how often empty registry entries are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) { c.cleanupInterval = d }
}

// WithRetryInterval sets the first retry interval used by waiters.
func WithRetryInterval(d time.Duration) Option {
	return func(c *config) { c.retryInterval = d }
}

// WithRetryFloor sets the floor of the retry recurrence: the stored
// interval advances as max(floor, previous*2).
func WithRetryFloor(d time.Duration) Option {
	return func(c *config) { c.retryFloor = d }
}

type lockID struct {
	name string
	key  string
}

// Coordinator owns the process-local registry of pending waiters, routes
// wake-ups when locks are released, and forwards release events to peer
// processes through the bus. Construct one per process and share it.
type Coordinator struct {
	store store.Store
	bus   relbus.Bus
	clk   clock.Clock
	cfg   config

	mu      sync.Mutex
	pending map[lockID]map[*Waiter]struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Coordinator using the given store, release bus and
// clock. A nil bus gets a process-local loopback bus; a nil clock gets
// the system clock.
func New(st store.Store, bus relbus.Bus, clk clock.Clock, opts ...Option) *Coordinator {
	if bus == nil {
		bus = relbus.NewInMemoryBus()
	}
	if clk == nil {
		clk = clock.System()
	}
	cfg := config{
		cleanupInterval: defaultCleanupInterval,
		retryInterval:   defaultRetryInterval,
		retryFloor:      defaultRetryFloor,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:   st,
		bus:     bus,
		clk:     clk,
		cfg:     cfg,
		pending: make(map[lockID]map[*Waiter]struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if events, err := bus.Releases(ctx); err == nil {
		go c.routeReleases(events)
	}
	go c.runCleanup()
	return c
}

// Acquire returns a Waiter for a plain exclusive lock. The waiter is
// registered as pending immediately; blocking happens in Enter. Empty
// identifiers are a programming error.
func (c *Coordinator) Acquire(name, key string) *Waiter {
	return c.newWaiter(name, key, false, false)
}

// AcquireReadWrite returns a Waiter for a read/write lock. The write
// flag is forwarded to the store unchanged; the coordinator wakes all
// pending waiters for a key on release regardless of their mode.
func (c *Coordinator) AcquireReadWrite(name, key string, write bool) *Waiter {
	return c.newWaiter(name, key, true, write)
}

func (c *Coordinator) newWaiter(name, key string, rw, write bool) *Waiter {
	if name == "" || key == "" {
		panic("waitlock: lock name and key must be non-empty")
	}
	w := &Waiter{
		coord:         c,
		name:          name,
		key:           key,
		rw:            rw,
		write:         write,
		wakeCh:        make(chan struct{}, 1),
		retryInterval: c.cfg.retryInterval,
	}
	c.mu.Lock()
	id := lockID{name, key}
	set := c.pending[id]
	if set == nil {
		set = make(map[*Waiter]struct{})
		c.pending[id] = set
	}
	set[w] = struct{}{}
	c.mu.Unlock()
	metrics.WaiterGauge.Inc()
	return w
}

// unregister drops a waiter from the pending registry. The emptied set
// stays behind for the periodic sweep to collect.
func (c *Coordinator) unregister(w *Waiter) {
	c.mu.Lock()
	set, ok := c.pending[lockID{w.name, w.key}]
	if ok {
		if _, present := set[w]; present {
			delete(set, w)
			metrics.WaiterGauge.Dec()
		}
	}
	c.mu.Unlock()
}

// NotifyReleased announces that the lock identified by (name, key) was
// released: peers hear it through the bus, local pending waiters are
// woken directly. Called exactly once per release by Waiter.Exit.
func (c *Coordinator) NotifyReleased(name, key string) {
	metrics.ReleaseCounter.Inc()
	// Best effort: a lost broadcast only delays peers until their next
	// backoff retry.
	_ = c.bus.BroadcastRelease(context.Background(), name, key)
	c.wakePending(name, key)
}

// wakePending fires the wake signal of every waiter pending on the key.
// The signal is a non-blocking send into a one-shot buffered channel, so
// it can never re-enter or block the releasing call stack.
func (c *Coordinator) wakePending(name, key string) {
	c.mu.Lock()
	set := c.pending[lockID{name, key}]
	waiters := make([]*Waiter, 0, len(set))
	for w := range set {
		waiters = append(waiters, w)
	}
	c.mu.Unlock()
	for _, w := range waiters {
		w.signal()
	}
}

func (c *Coordinator) routeReleases(events <-chan relbus.Release) {
	for evt := range events {
		c.wakePending(evt.Name, evt.Key)
	}
}

func (c *Coordinator) runCleanup() {
	ticker := c.clk.NewTicker(c.cfg.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			c.cleanup()
		case <-c.done:
			return
		}
	}
}

// cleanup drops registry entries whose pending set has emptied, bounding
// memory growth under long-lived lock-key churn.
func (c *Coordinator) cleanup() {
	c.mu.Lock()
	for id, set := range c.pending {
		if len(set) == 0 {
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
}

// Close stops the cleanup sweep and the bus subscription.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
	})
}

// WithLock acquires the plain exclusive lock, runs fn while holding it,
// and always releases, including when fn fails or panics. fn's error
// wins over a release error.
func (c *Coordinator) WithLock(ctx context.Context, name, key string, fn func(context.Context) error) error {
	return c.Acquire(name, key).with(ctx, fn)
}

// WithReadWriteLock is WithLock for the read/write flavor.
func (c *Coordinator) WithReadWriteLock(ctx context.Context, name, key string, write bool, fn func(context.Context) error) error {
	return c.AcquireReadWrite(name, key, write).with(ctx, fn)
}
