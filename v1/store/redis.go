package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	waiterrors "github.com/mirkobrombin/go-waitlock/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-waitlock/v1/store")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var acquireReadScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("SADD", KEYS[2], ARGV[1])
if tonumber(ARGV[2]) > 0 then
    redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
return 1
`)

var acquireWriteScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
if redis.call("SCARD", KEYS[2]) > 0 then
    return 0
end
if tonumber(ARGV[2]) > 0 then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
else
    redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

var releaseReadScript = redis.NewScript(`
return redis.call("SREM", KEYS[1], ARGV[1])
`)

// Redis implements Store using a Redis backend. Plain locks are a
// SETNX-guarded string keyed by lock name and key; read/write locks use
// a writer string plus a reader set, mutated only through Lua scripts
// so that every acquisition attempt stays atomic.
type Redis struct {
	client *redis.Client
	cfg    config
}

// NewRedis returns a new Redis lock store using the provided client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Redis{client: client, cfg: cfg}
}

func lockName(name, key string) string {
	return "waitlock:lock:" + name + ":" + key
}

func writerName(name, key string) string {
	return "waitlock:rw:" + name + ":" + key + ":writer"
}

func readersName(name, key string) string {
	return "waitlock:rw:" + name + ":" + key + ":readers"
}

// TryAcquire implements Store.TryAcquire.
func (r *Redis) TryAcquire(ctx context.Context, name, key string) (Lease, error) {
	ctx, span := tracer.Start(ctx, "Redis.TryAcquire", trace.WithAttributes(
		attribute.String("waitlock.name", name),
		attribute.String("waitlock.key", key)))
	defer span.End()

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, lockName(name, key), token, r.cfg.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{
		client: r.client,
		script: releaseScript,
		skey:   lockName(name, key),
		token:  token,
	}, nil
}

// TryAcquireRW implements Store.TryAcquireRW.
func (r *Redis) TryAcquireRW(ctx context.Context, name, key string, write bool) (Lease, error) {
	ctx, span := tracer.Start(ctx, "Redis.TryAcquireRW", trace.WithAttributes(
		attribute.String("waitlock.name", name),
		attribute.String("waitlock.key", key),
		attribute.Bool("waitlock.write", write)))
	defer span.End()

	token := uuid.NewString()
	keys := []string{writerName(name, key), readersName(name, key)}
	args := []interface{}{token, r.cfg.ttl.Milliseconds()}

	script := acquireReadScript
	if write {
		script = acquireWriteScript
	}
	granted, err := script.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return nil, err
	}
	if granted == 0 {
		return nil, nil
	}
	l := &redisLease{client: r.client, token: token}
	if write {
		l.script = releaseScript
		l.skey = writerName(name, key)
	} else {
		l.script = releaseReadScript
		l.skey = readersName(name, key)
	}
	return l, nil
}

type redisLease struct {
	client *redis.Client
	script *redis.Script
	skey   string
	token  string

	mu       sync.Mutex
	released bool
}

// Release implements Lease.Release. A lease whose token is no longer in
// the table (double release, or TTL expiry) returns ErrLeaseReleased.
func (l *redisLease) Release(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Redis.Release", trace.WithAttributes(
		attribute.String("waitlock.store_key", l.skey)))
	defer span.End()

	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return waiterrors.ErrLeaseReleased
	}
	l.released = true
	l.mu.Unlock()

	removed, err := l.script.Run(ctx, l.client, []string{l.skey}, l.token).Int()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return err
	}
	if removed == 0 {
		return waiterrors.ErrLeaseReleased
	}
	return nil
}
