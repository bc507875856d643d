package profsync

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/profsync/internal/util"
	"github.com/unkn0wn-root/profsync/internal/wire"
	"github.com/unkn0wn-root/profsync/store"
)

// BatchEntry is one identity's update inside a transactional batch.
type BatchEntry struct {
	Identity     string
	FieldUpdates map[string]any
	Source       string
}

// BatchUpdate applies every entry inside one transactional session: each key
// is read-or-created, updated, and staged; all staged writes commit atomically
// at the end. Any validation or staging error aborts the whole batch with
// zero side effects. This is the only path with all-or-nothing guarantees
// across identities; the CAS loop is atomic per single identity only.
//
// A batch races normally with concurrent single-key updates on overlapping
// identities: the loser observes a conflict and retries.
func (e *Engine) BatchUpdate(ctx context.Context, entries []BatchEntry) (map[string]*Record, error) {
	if len(entries) == 0 {
		return nil, errf(KindInvalidArgument, "", "empty batch")
	}

	// validate everything before touching the store
	keys := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, en := range entries {
		if err := validateUpdate(en.Identity, en.FieldUpdates); err != nil {
			return nil, err
		}
		if _, dup := seen[en.Identity]; dup {
			return nil, errf(KindInvalidArgument, en.Identity, "duplicate identity in batch")
		}
		seen[en.Identity] = struct{}{}
		keys = append(keys, util.RecordKey(en.Identity))
	}

	out := make(map[string]*Record, len(entries))
	encoded := make(map[string][]byte, len(entries))

	err := e.store.Tx(ctx, keys, func(tx store.Tx) error {
		for _, en := range entries {
			key := util.RecordKey(en.Identity)
			raw, found, err := tx.Get(ctx, key)
			if err != nil {
				return wrapErr(KindTransientStore, en.Identity, err)
			}

			var next *Record
			if !found {
				next = NewRecord(e.now())
				next.applyFields(en.FieldUpdates)
				next.stamp(en.Source, OpCreate)
			} else {
				ver, payload, derr := wire.DecodeRecord(raw)
				if derr != nil {
					// no in-tx self-heal; corruption aborts the whole batch
					return wrapErr(KindTransientStore, en.Identity, derr)
				}
				rec, derr := e.codec.Decode(payload)
				if derr != nil || rec.Version != ver {
					return wrapErr(KindTransientStore, en.Identity, wire.ErrCorrupt)
				}
				next = rec.Clone()
				next.applyFields(en.FieldUpdates)
				next.touch(en.Source, OpBatch, e.now())
			}

			enc, eerr := e.encodeRecord(en.Identity, next)
			if eerr != nil {
				return eerr
			}
			tx.Set(key, enc, 0)
			out[en.Identity] = next
			encoded[util.RecordKey(en.Identity)] = enc
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrTxConflict) {
			return nil, errf(KindVersionConflict, "", "batch lost a transactional race")
		}
		var pe *Error
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, wrapErr(KindTransientStore, "", err)
	}

	for _, en := range entries {
		e.afterWrite(en.Identity, util.RecordKey(en.Identity), encoded[util.RecordKey(en.Identity)])
	}
	return out, nil
}

// BatchUpdateRetry wraps BatchUpdate with the engine's backoff policy for
// transactional conflicts, which are expected under contention and safe to
// retry (the aborted attempt had no side effects).
func (e *Engine) BatchUpdateRetry(ctx context.Context, entries []BatchEntry) (map[string]*Record, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		out, err := e.BatchUpdate(ctx, entries)
		if err == nil || !IsConflict(err) {
			return out, err
		}
		lastErr = err
		if attempt < e.maxRetries {
			if serr := e.sleep(ctx, util.Backoff(e.backoffBase, e.backoffMax, attempt)); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}
