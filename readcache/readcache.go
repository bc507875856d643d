// Package readcache defines an optional in-process byte cache used to
// accelerate Engine.Get. It is a bounded-staleness layer: filled on reads and
// successful writes, invalidated on every mutation, and never consulted by
// the CAS loop or the sync orchestrator, so it cannot affect correctness.
package readcache

import "time"

// Cache is a local byte cache. Implementations must be safe for concurrent
// use and byte-for-byte transparent (Get returns exactly what Set stored).
type Cache interface {
	Get(key string) ([]byte, bool)
	// Set stores value with a TTL. May drop the write under pressure.
	Set(key string, value []byte, ttl time.Duration)
	Del(key string)
	Close() error
}
