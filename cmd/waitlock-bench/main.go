// Command waitlock-bench measures lock churn under contention: G
// goroutines perform N scoped acquisitions each over a configurable
// number of keys and report throughput and wait latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-waitlock/v1/relbus"
	"github.com/mirkobrombin/go-waitlock/v1/store"
	"github.com/mirkobrombin/go-waitlock/v1/waitlock"
)

var (
	goroutines = flag.Int("g", 16, "Concurrent waiters")
	iterations = flag.Int("n", 1000, "Acquisitions per waiter")
	keys       = flag.Int("keys", 1, "Distinct lock keys")
	hold       = flag.Duration("hold", 0, "Time to hold each lock")
	retry      = flag.Duration("retry", 10*time.Millisecond, "First retry interval")
	target     = flag.String("target", "memory", "Store: memory or redis")
	redisAddr  = flag.String("redis-addr", "localhost:6379", "Redis address")
)

func main() {
	flag.Parse()

	var (
		st  store.Store
		bus relbus.Bus
	)
	switch *target {
	case "memory":
		st = store.NewInMemory()
		bus = relbus.NewInMemoryBus()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		st = store.NewRedis(client)
		bus = relbus.NewRedisBus(client)
	default:
		log.Fatalf("unknown target %q", *target)
	}

	coord := waitlock.New(st, bus, nil, waitlock.WithRetryInterval(*retry))
	defer coord.Close()

	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	ctx := context.Background()
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *goroutines; i++ {
		worker := i
		g.Go(func() error {
			for n := 0; n < *iterations; n++ {
				key := fmt.Sprintf("bench-%d", (worker+n)%*keys)
				began := time.Now()
				err := coord.WithLock(ctx, "bench", key, func(context.Context) error {
					waited := time.Since(began)
					mu.Lock()
					waits = append(waits, waited)
					mu.Unlock()
					if *hold > 0 {
						time.Sleep(*hold)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("bench: %v", err)
	}
	elapsed := time.Since(start)

	total := *goroutines * *iterations
	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })
	fmt.Printf("acquisitions: %d in %v (%.0f/sec)\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	fmt.Printf("wait p50: %v  p99: %v  max: %v\n",
		waits[len(waits)/2], waits[len(waits)*99/100], waits[len(waits)-1])
}
