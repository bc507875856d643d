package profsync

import (
	"context"
	"time"
)

// Profiles is the upstream-facing surface of the update engine. Callers must
// branch on the returned error's kind; there is no "update succeeded"
// assumption without checking.
type Profiles interface {
	// Update applies field updates with the lock-free CAS loop. An absent
	// identity is an implicit empty record (first update => version 1).
	Update(ctx context.Context, identity string, fieldUpdates map[string]any, source string) (*Record, error)

	// UpdateExisting is Update with update-only semantics (absent => NotFound).
	UpdateExisting(ctx context.Context, identity string, fieldUpdates map[string]any, source string) (*Record, error)

	// UpdateWithLock applies field updates under a non-blocking lease.
	UpdateWithLock(ctx context.Context, identity string, fieldUpdates map[string]any, leaseTime time.Duration, source string) (*Record, error)

	// BatchUpdate applies all entries atomically or none at all.
	BatchUpdate(ctx context.Context, entries []BatchEntry) (map[string]*Record, error)

	// ForceUpdate overwrites without version checking. Audited escape hatch.
	ForceUpdate(ctx context.Context, identity string, fieldUpdates map[string]any, source string) (*Record, error)

	// Get returns the current record; absence is found=false, not an error.
	Get(ctx context.Context, identity string) (*Record, bool, error)

	// Delete removes the record and derived markers under a lease.
	Delete(ctx context.Context, identity, reason string) (bool, error)
}

var _ Profiles = (*Engine)(nil)
