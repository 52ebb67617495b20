package relbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Release identifies the lock that was released.
type Release struct {
	Name string `json:"n"`
	Key  string `json:"k"`
}

// Bus propagates release events across processes.
type Bus interface {
	// BroadcastRelease announces a release to all peers. Best effort.
	BroadcastRelease(ctx context.Context, name, key string) error
	// Releases returns a channel receiving every release announced by
	// any peer. The subscription ends when ctx is cancelled.
	Releases(ctx context.Context) (<-chan Release, error)
	// Unsubscribe removes a channel obtained from Releases.
	Unsubscribe(ctx context.Context, ch <-chan Release) error
}

// Metrics holds bus delivery counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus mainly for testing and
// single-process deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      []chan Release
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// BroadcastRelease implements Bus.BroadcastRelease.
func (b *InMemoryBus) BroadcastRelease(ctx context.Context, name, key string) error {
	b.mu.Lock()
	subs := append([]chan Release(nil), b.subs...)
	b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	evt := Release{Name: name, Key: key}
	for _, ch := range subs {
		select {
		case ch <- evt:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	return nil
}

// Releases implements Bus.Releases.
func (b *InMemoryBus) Releases(ctx context.Context) (<-chan Release, error) {
	ch := make(chan Release, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, ch <-chan Release) error {
	b.mu.Lock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
