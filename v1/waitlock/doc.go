// Package waitlock coordinates advisory lock acquisition across a fleet
// of worker processes. The lock table itself lives in a store (see
// v1/store); this package adds the waiting side: waiters that retry with
// jittered backoff, a per-process registry that wakes pending waiters
// when a lock is released, and a release bus (see v1/relbus) so that
// waiters in peer processes wake too.
//
// Typical usage:
//
//	coord := waitlock.New(st, bus, nil)
//	defer coord.Close()
//
//	err := coord.WithLock(ctx, "jobs", "backfill", func(ctx context.Context) error {
//		// protected section
//		return nil
//	})
//
// A wake is a hint, not a grant: a woken waiter re-attempts acquisition
// against the store and may lose the race to another process.
package waitlock
