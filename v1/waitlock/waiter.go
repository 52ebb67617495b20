package waitlock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/mirkobrombin/go-waitlock/v1/metrics"
	"github.com/mirkobrombin/go-waitlock/v1/store"
)

// Waiter is one in-flight lock request. It moves through
// unacquired → waiting → held → released and is not reusable: take a
// new Waiter from the coordinator for every acquisition.
type Waiter struct {
	coord *Coordinator
	name  string
	key   string
	rw    bool
	write bool

	mu       sync.Mutex
	wakeCh   chan struct{}
	lease    store.Lease
	released bool

	// retryInterval is only touched from Enter's goroutine.
	retryInterval time.Duration
}

// Enter blocks until the lock is acquired or ctx is cancelled. On
// contention it waits for a release wake-up or for a jittered backoff
// interval, whichever comes first, then re-attempts; a wake-up is only a
// hint and the store remains the authority. Store failures propagate;
// contention and elapsed backoff never do.
func (w *Waiter) Enter(ctx context.Context) error {
	w.mu.Lock()
	if w.released || w.lease != nil {
		w.mu.Unlock()
		panic("waitlock: waiter is not reusable, acquire a new one")
	}
	w.mu.Unlock()
	// Held or failed, the waiter is no longer something to wake.
	defer w.coord.unregister(w)
	for {
		lease, err := w.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if lease != nil {
			w.mu.Lock()
			w.lease = lease
			w.mu.Unlock()
			metrics.AcquireCounter.Inc()
			return nil
		}
		metrics.ContentionCounter.Inc()

		// Arm a fresh one-shot signal; a wake fired against the old
		// channel belongs to a release we already retried for.
		w.mu.Lock()
		w.wakeCh = make(chan struct{}, 1)
		ch := w.wakeCh
		w.mu.Unlock()

		timer := w.coord.clk.NewTimer(w.nextRetryInterval())
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C():
			// Elapsed backoff is the normal retry path, not an error.
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (w *Waiter) tryAcquire(ctx context.Context) (store.Lease, error) {
	if w.rw {
		return w.coord.store.TryAcquireRW(ctx, w.name, w.key, w.write)
	}
	return w.coord.store.TryAcquire(ctx, w.name, w.key)
}

// nextRetryInterval returns the jittered wait for this attempt and
// advances the stored interval. The recurrence is max(floor, prev*2):
// a floor, not a cap, so the interval jumps from its initial value to
// the floor after the first failed attempt and keeps doubling from
// there with no ceiling.
func (w *Waiter) nextRetryInterval() time.Duration {
	next := w.retryInterval
	doubled := next * 2
	if doubled < w.coord.cfg.retryFloor {
		doubled = w.coord.cfg.retryFloor
	}
	w.retryInterval = doubled
	jitter := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(next) * jitter)
}

// signal fires the waiter's current wake channel without blocking.
func (w *Waiter) signal() {
	w.mu.Lock()
	ch := w.wakeCh
	w.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Exit releases the lock. Peers are notified before the store release
// runs, so a failing release call cannot starve their wake-up; the
// store error, if any, is returned. Calling Exit on a waiter that never
// successfully entered is a programming error.
func (w *Waiter) Exit(ctx context.Context) error {
	w.mu.Lock()
	lease := w.lease
	w.lease = nil
	w.released = true
	w.mu.Unlock()
	if lease == nil {
		panic("waitlock: Exit on a waiter that was never entered")
	}
	w.coord.NotifyReleased(w.name, w.key)
	return lease.Release(ctx)
}

// Held reports whether the waiter currently holds the lock.
func (w *Waiter) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lease != nil
}

// Abandon unregisters a waiter that will never be entered. Waiters that
// reach Enter unregister themselves.
func (w *Waiter) Abandon() {
	w.coord.unregister(w)
}

func (w *Waiter) with(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := w.Enter(ctx); err != nil {
		return err
	}
	defer func() {
		rerr := w.Exit(ctx)
		if err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}
