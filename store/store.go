// Package store defines the key-value store abstraction profsync coordinates on.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key (no prepended
// or appended metadata, no re-encoding, no mutation). Compare-and-swap,
// compare-and-delete and compare-and-expire compare the stored value against
// the expected bytes exactly; this is what makes full-value CAS on serialized
// records sound, and why the serializer above this layer must be deterministic.
//
// TTL semantics: ttl <= 0 on Set/SetIfAbsent means no expiry. On
// CompareAndSwap, ttl <= 0 preserves the key's remaining TTL (Redis KEEPTTL).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrTxConflict is returned by Tx when a watched key changed before commit.
// Callers retry; the transaction had no side effects.
var ErrTxConflict = errors.New("store: transaction conflict")

// Store is a minimal byte store with CAS, lease and set primitives plus a
// transactional session. Must be safe for concurrent use.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value unconditionally.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only if key does not exist. Returns false when
	// the key was already present.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value only if the stored bytes equal
	// expected. Returns false on mismatch or absence.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the key only if the stored bytes equal expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// CompareAndExpire resets the key's TTL only if the stored bytes equal
	// expected. Returns false on mismatch or absence.
	CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)

	// Delete removes a key unconditionally. Absence is not an error.
	Delete(ctx context.Context, key string) error

	// Expire resets a key's TTL. Returns false if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Incr atomically increments an integer-valued key, creating it at 0.
	Incr(ctx context.Context, key string) (int64, error)

	// Set-typed key operations. SetAdd is idempotent per member.
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Tx runs fn inside a transactional session over keys. Reads observe
	// committed state; writes are staged and applied atomically when fn
	// returns nil. Any error from fn aborts with zero side effects. If a
	// watched key was modified concurrently, Tx returns ErrTxConflict.
	// fn must not call back into the Store.
	Tx(ctx context.Context, keys []string, fn func(Tx) error) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Tx is the staged view handed to a transactional function.
type Tx interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}
