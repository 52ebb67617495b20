package relbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
)

const releaseSubject = "waitlock.released"

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      []chan Release
	sub       *nats.Subscription
	published uint64
	delivered uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) (*NATSBus, error) {
	b := &NATSBus{conn: conn}
	sub, err := conn.Subscribe(releaseSubject, b.handle)
	if err != nil {
		return nil, err
	}
	b.sub = sub
	return b, nil
}

func (b *NATSBus) handle(msg *nats.Msg) {
	var p payload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return
	}
	b.mu.Lock()
	subs := append([]chan Release(nil), b.subs...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- p.Release:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
}

// BroadcastRelease implements Bus.BroadcastRelease.
func (b *NATSBus) BroadcastRelease(ctx context.Context, name, key string) error {
	data, err := json.Marshal(payload{ID: uuid.NewString(), Release: Release{Name: name, Key: key}})
	if err != nil {
		return err
	}
	if err := b.conn.Publish(releaseSubject, data); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Releases implements Bus.Releases.
func (b *NATSBus) Releases(ctx context.Context) (<-chan Release, error) {
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
func (b *NATSBus) Unsubscribe(ctx context.Context, ch <-chan Release) error {
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

// Close drops the NATS subscription and closes subscriber channels.
func (b *NATSBus) Close() error {
	err := b.sub.Unsubscribe()
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
	return err
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
