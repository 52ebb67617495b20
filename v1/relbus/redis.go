package relbus

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	waiterrors "github.com/mirkobrombin/go-waitlock/v1/errors"
)

const (
	redisBusTimeout = 5 * time.Second
	releaseChannel  = "waitlock:released"
	seenTTL         = time.Minute
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-waitlock/v1/relbus")

type payload struct {
	ID string `json:"i"`
	Release
}

// RedisBus implements Bus over a single Redis pub/sub channel. Events
// carry a unique id so a message replayed after a reconnect is not
// delivered twice.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      []chan Release
	seen      map[string]time.Time
	pubsub    *redis.PubSub
	published atomic.Uint64
	delivered atomic.Uint64
	closed    bool
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	b := &RedisBus{
		client: client,
		seen:   make(map[string]time.Time),
	}
	b.pubsub = client.Subscribe(context.Background(), releaseChannel)
	go b.dispatch()
	return b
}

// BroadcastRelease implements Bus.BroadcastRelease.
func (b *RedisBus) BroadcastRelease(ctx context.Context, name, key string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.BroadcastRelease", trace.WithAttributes(
		attribute.String("waitlock.name", name),
		attribute.String("waitlock.key", key)))
	defer span.End()

	data, err := json.Marshal(payload{ID: uuid.NewString(), Release: Release{Name: name, Key: key}})
	if err != nil {
		return err
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		err := b.client.Publish(cctx, releaseChannel, data).Err()
		cancel()
		if err == nil {
			b.published.Add(1)
			return nil
		}
		lastErr = err
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return waiterrors.ErrTimeout
		}
		_ = b.reconnect()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff)))):
		}
		backoff *= 2
	}
	return lastErr
}

// Releases implements Bus.Releases.
func (b *RedisBus) Releases(ctx context.Context) (<-chan Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
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
func (b *RedisBus) Unsubscribe(ctx context.Context, ch <-chan Release) error {
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

func (b *RedisBus) dispatch() {
	for msg := range b.pubsub.Channel() {
		var p payload
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			continue
		}
		now := time.Now()
		b.mu.Lock()
		if _, ok := b.seen[p.ID]; ok {
			b.mu.Unlock()
			continue
		}
		b.seen[p.ID] = now
		for id, at := range b.seen {
			if now.Sub(at) > seenTTL {
				delete(b.seen, id)
			}
		}
		subs := append([]chan Release(nil), b.subs...)
		b.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- p.Release:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Close stops the bus and closes all subscriber channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	err := b.pubsub.Close()
	for _, ch := range subs {
		close(ch)
	}
	if err != nil && stdErrors.Is(err, redis.ErrClosed) {
		return waiterrors.ErrConnectionClosed
	}
	return err
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

func (b *RedisBus) reconnect() error {
	if b.client.Ping(context.Background()).Err() == nil {
		return nil
	}
	opts := b.client.Options()
	b.client = redis.NewClient(opts)
	b.mu.Lock()
	old := b.pubsub
	b.pubsub = b.client.Subscribe(context.Background(), releaseChannel)
	b.mu.Unlock()
	_ = old.Close()
	go b.dispatch()
	return nil
}
