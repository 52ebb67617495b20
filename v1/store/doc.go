// Package store implements clients for the persistent lock table that
// is the source of truth for lock ownership. A Store hands out a Lease
// on a successful non-blocking acquisition attempt; contention is
// reported as a nil Lease, not an error. Both plain exclusive locks and
// read/write locks are supported, with an optional TTL so that a crashed
// holder cannot leave a lock stuck forever.
package store
