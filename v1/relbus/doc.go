// Package relbus carries "lock released" events between the processes
// of a fleet. A releasing process broadcasts on the bus; every peer
// feeds the received events into its coordinator, which wakes the local
// waiters pending on that lock. Delivery is best effort: a missed event
// only delays a waiter until its next backoff retry.
//
// Backends: in-memory (tests, single process), Redis pub/sub, NATS and
// Kafka.
package relbus
