// Package profsync implements a distributed, versioned profile cache and
// cross-store synchronization engine on top of a key-value store, a document
// store of record and a message bus.
//
// Components:
//   - Record: attribute bag with a monotonic version and timestamps.
//   - Engine: optimistic-concurrency updates (full-value CAS with bounded
//     retries and capped exponential backoff), lock-guarded updates, and
//     all-or-nothing transactional batch updates.
//   - LockManager: named, time-bounded leases with token-authenticated
//     release, reentrancy via hold counts, fair acquisition and an optional
//     auto-renewing watchdog.
//   - syncer.Orchestrator: dirty-marker scanning and priority-tiered
//     (IMMEDIATE/BATCH) delivery of sync messages to the bus, plus the
//     consumer that applies version-checked updates to the document store.
//   - router.Router: partitions the sync topic per identity and branches on
//     priority.
//
// Keys:
//
//	record:<identity>  - serialized records (wire envelope + codec payload)
//	lock:<resource>    - leases
//	dirty-set          - identities awaiting synchronization
//
// CAS pattern:
//
//	raw   := store.Get(record:<id>)        // exact bytes observed
//	next  := decode(raw).clone().apply(fields).touch()  // version+1
//	swap  := store.CompareAndSwap(record:<id>, raw, encode(next))
//	                                       // retry with backoff on failure
//
// The serializer must be deterministic (see package codec); the swap compares
// bytes, never re-encoded values.
package profsync
