// Package docstore abstracts the downstream document store the sync
// orchestrator writes through to. The contract is a single conditional
// update: apply iff the stored version equals the expected one, which makes
// replayed sync messages no-ops instead of double-applies.
package docstore

import "context"

// Update is the mutation applied to one document. Fields are set-or-replace;
// AddToSets and RemoveFromSets merge into string-set fields.
type Update struct {
	Fields         map[string]any
	AddToSets      map[string][]string
	RemoveFromSets map[string][]string
}

// Store is a versioned document store. A document that does not exist is at
// version 0, so the first sync message (version 1) creates it with
// expectedVersion 0.
type Store interface {
	// UpdateIfVersion applies u to the document iff its stored version equals
	// expectedVersion, then sets version to expectedVersion+1. Returns the
	// number of documents affected (0 or 1).
	UpdateIfVersion(ctx context.Context, identity string, expectedVersion uint64, u Update) (int, error)

	// Version reports the stored version, and whether the document exists.
	Version(ctx context.Context, identity string) (uint64, bool, error)
}
