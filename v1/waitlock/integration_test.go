package waitlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-waitlock/v1/relbus"
	"github.com/mirkobrombin/go-waitlock/v1/store"
)

// Two coordinators sharing a Redis lock table and a Redis release bus,
// standing in for two worker processes.
func TestCrossProcessWake(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	newNode := func() (*Coordinator, func()) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		bus := relbus.NewRedisBus(client)
		// A one-minute first retry: if the wake path does not work,
		// the waiter below cannot enter within the test deadline.
		c := New(store.NewRedis(client), bus, nil, WithRetryInterval(time.Minute))
		return c, func() {
			c.Close()
			_ = bus.Close()
			_ = client.Close()
		}
	}

	nodeA, stopA := newNode()
	defer stopA()
	nodeB, stopB := newNode()
	defer stopB()

	ctx := context.Background()
	a := nodeA.Acquire("jobs", "backfill")
	if err := a.Enter(ctx); err != nil {
		t.Fatalf("enter a: %v", err)
	}

	b := nodeB.Acquire("jobs", "backfill")
	done := make(chan error, 1)
	go func() { done <- b.Enter(ctx) }()

	// Give B time to fail its first attempt and park on the backoff.
	time.Sleep(200 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("b entered while a held the lock: %v", err)
	default:
	}

	if err := a.Exit(ctx); err != nil {
		t.Fatalf("exit a: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("enter b: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("b was not woken across nodes")
	}
	if err := b.Exit(ctx); err != nil {
		t.Fatalf("exit b: %v", err)
	}
}

// Readers from two nodes share the lock; a writer is shut out until
// both are gone.
func TestCrossProcessReadWrite(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	st := store.NewRedis(client)
	nodeA := New(st, nil, nil)
	defer nodeA.Close()
	nodeB := New(st, nil, nil)
	defer nodeB.Close()

	ctx := context.Background()
	r1 := nodeA.AcquireReadWrite("jobs", "k", false)
	if err := r1.Enter(ctx); err != nil {
		t.Fatalf("enter r1: %v", err)
	}
	r2 := nodeB.AcquireReadWrite("jobs", "k", false)
	if err := r2.Enter(ctx); err != nil {
		t.Fatalf("enter r2: %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	w := nodeA.AcquireReadWrite("jobs", "k", true)
	if err := w.Enter(wctx); err == nil {
		t.Fatal("writer entered while readers held the lock")
	}

	if err := r1.Exit(ctx); err != nil {
		t.Fatalf("exit r1: %v", err)
	}
	if err := r2.Exit(ctx); err != nil {
		t.Fatalf("exit r2: %v", err)
	}
	w2 := nodeB.AcquireReadWrite("jobs", "k", true)
	if err := w2.Enter(ctx); err != nil {
		t.Fatalf("enter writer: %v", err)
	}
	if err := w2.Exit(ctx); err != nil {
		t.Fatalf("exit writer: %v", err)
	}
}
