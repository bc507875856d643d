package profsync

import (
	"context"
	"time"

	"github.com/unkn0wn-root/profsync/codec"
	"github.com/unkn0wn-root/profsync/internal/util"
	"github.com/unkn0wn-root/profsync/internal/wire"
	"github.com/unkn0wn-root/profsync/readcache"
	"github.com/unkn0wn-root/profsync/store"
)

const (
	defaultMaxRetries  = 8
	defaultBackoffBase = 5 * time.Millisecond
	defaultBackoffMax  = 250 * time.Millisecond
	defaultReadTTL     = 30 * time.Second

	deleteLeaseTime = 5 * time.Second
	deleteMaxWait   = 2 * time.Second
)

// Engine performs optimistic-concurrency updates to versioned records in the
// KV store. Two strategies: a lock-free CAS loop (Update) and a lock-guarded
// read-merge-write (UpdateWithLock). A correct caller uses one or the other
// for a given key, never both concurrently.
type Engine struct {
	store store.Store
	codec codec.Codec[*Record]
	locks *LockManager
	log   Logger
	hooks Hooks

	rc      readcache.Cache
	readTTL time.Duration

	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration

	now     func() time.Time
	onWrite func(identity string)
}

// Options tune the engine. Only Store is required.
type Options struct {
	Store store.Store // required

	Codec codec.Codec[*Record] // nil => deterministic JSON
	Locks *LockManager         // nil => manager over Store
	Logs  Logger               // nil => NopLogger
	Hooks Hooks                // nil => NopHooks

	// ReadCache is an optional in-process accelerator consulted only by Get.
	// It is filled on reads/writes and invalidated on every mutation; the
	// CAS loop never reads from it.
	ReadCache    readcache.Cache
	ReadCacheTTL time.Duration // 0 => 30s

	MaxRetries  int           // CAS retry ceiling; 0 => 8
	BackoffBase time.Duration // 0 => 5ms
	BackoffMax  time.Duration // 0 => 250ms
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errf(KindInvalidArgument, "", "engine: store is required")
	}

	e := &Engine{
		store: opts.Store,
		log:   coalesce[Logger](opts.Logs, NopLogger{}),
		hooks: coalesce[Hooks](opts.Hooks, NopHooks{}),
		rc:    opts.ReadCache,
		now:   time.Now,
	}

	if opts.Codec != nil {
		e.codec = opts.Codec
	} else {
		e.codec = codec.JSON[*Record]{}
	}

	if opts.Locks != nil {
		e.locks = opts.Locks
	} else {
		lm, err := NewLockManager(LockOptions{Store: opts.Store, Logger: e.log, Hooks: e.hooks})
		if err != nil {
			return nil, err
		}
		e.locks = lm
	}

	e.readTTL = coalesce[time.Duration](opts.ReadCacheTTL, defaultReadTTL)
	e.maxRetries = coalesce[int](opts.MaxRetries, defaultMaxRetries)
	e.backoffBase = coalesce[time.Duration](opts.BackoffBase, defaultBackoffBase)
	e.backoffMax = coalesce[time.Duration](opts.BackoffMax, defaultBackoffMax)
	return e, nil
}

// Locks exposes the engine's lock manager so collaborating components (the
// sync orchestrator) share lease semantics.
func (e *Engine) Locks() *LockManager { return e.locks }

// SetWriteObserver registers a callback invoked after every successful cache
// write (update, batch, force). Set once during wiring, before concurrent use.
func (e *Engine) SetWriteObserver(fn func(identity string)) { e.onWrite = fn }

// Update applies fieldUpdates with a lock-free CAS loop. An absent key is an
// implicit empty record: the first update creates version 1. Retries up to
// the ceiling with capped exponential backoff, then surfaces VersionConflict.
func (e *Engine) Update(ctx context.Context, identity string, fieldUpdates map[string]any, source string) (*Record, error) {
	return e.update(ctx, identity, fieldUpdates, source, false)
}

// UpdateExisting is Update with update-only semantics: an absent key is a
// NotFound error instead of an implicit create.
func (e *Engine) UpdateExisting(ctx context.Context, identity string, fieldUpdates map[string]any, source string) (*Record, error) {
	return e.update(ctx, identity, fieldUpdates, source, true)
}

func (e *Engine) update(ctx context.Context, identity string, fieldUpdates map[string]any, source string, requireExisting bool) (*Record, error) {
	if err := validateUpdate(identity, fieldUpdates); err != nil {
		return nil, err
	}
	key := util.RecordKey(identity)

	for attempt := 0; ; attempt++ {
		raw, found, err := e.store.Get(ctx, key)
		if err != nil {
			return nil, wrapErr(KindTransientStore, identity, err)
		}

		if !found {
			if requireExisting {
				return nil, errf(KindNotFound, identity, "record does not exist")
			}
			rec := NewRecord(e.now())
			rec.applyFields(fieldUpdates)
			rec.stamp(source, OpCreate)
			enc, err := e.encodeRecord(identity, rec)
			if err != nil {
				return nil, err
			}
			ok, err := e.store.SetIfAbsent(ctx, key, enc, 0)
			if err != nil {
				return nil, wrapErr(KindTransientStore, identity, err)
			}
			if ok {
				e.afterWrite(identity, key, enc)
				return rec, nil
			}
			// lost the create race; fall through to retry
		} else {
			rec, derr := e.decodeRecord(ctx, identity, key, raw)
			if derr == nil {
				next := rec.Clone()
				next.applyFields(fieldUpdates)
				next.touch(source, OpUpdate, e.now())
				enc, err := e.encodeRecord(identity, next)
				if err != nil {
					return nil, err
				}
				ok, err := e.store.CompareAndSwap(ctx, key, raw, enc, 0)
				if err != nil {
					return nil, wrapErr(KindTransientStore, identity, err)
				}
				if ok {
					e.afterWrite(identity, key, enc)
					return next, nil
				}
			}
			// a healed corrupt entry reads as absent on the next attempt;
			// either way the failure counts against the retry ceiling so a
			// store that keeps serving the same bad bytes cannot spin this
			// loop forever
		}

		if attempt >= e.maxRetries {
			e.hooks.CASExhausted(identity, attempt+1)
			return nil, &Error{
				Kind:     KindVersionConflict,
				Key:      identity,
				Attempts: attempt + 1,
				Msg:      "CAS retries exhausted",
			}
		}
		if err := e.sleep(ctx, util.Backoff(e.backoffBase, e.backoffMax, attempt)); err != nil {
			return nil, err
		}
	}
}

// UpdateWithLock applies fieldUpdates under a non-blocking lease on the
// record's lock key; the lease provides exclusivity so no CAS is needed.
// Use when logically related fields must move as one unit or when CAS
// contention is pathological. The lease is always released.
func (e *Engine) UpdateWithLock(ctx context.Context, identity string, fieldUpdates map[string]any, leaseTime time.Duration, source string) (*Record, error) {
	if err := validateUpdate(identity, fieldUpdates); err != nil {
		return nil, err
	}

	lease, ok, err := e.locks.TryAcquire(ctx, identity, leaseTime)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errf(KindLockFailed, identity, "record lease held elsewhere")
	}
	defer func() { _, _ = e.locks.Release(context.WithoutCancel(ctx), lease) }()

	key := util.RecordKey(identity)
	raw, found, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, wrapErr(KindTransientStore, identity, err)
	}

	var next *Record
	if !found {
		next = NewRecord(e.now())
		next.applyFields(fieldUpdates)
		next.stamp(source, OpCreate)
	} else {
		rec, derr := e.decodeRecord(ctx, identity, key, raw)
		if derr != nil {
			// healed; start from an empty record under the lock
			next = NewRecord(e.now())
			next.applyFields(fieldUpdates)
			next.stamp(source, OpCreate)
		} else {
			next = rec.Clone()
			next.applyFields(fieldUpdates)
			next.touch(source, OpUpdate, e.now())
		}
	}

	enc, err := e.encodeRecord(identity, next)
	if err != nil {
		return nil, err
	}
	if err := e.store.Set(ctx, key, enc, 0); err != nil {
		return nil, wrapErr(KindTransientStore, identity, err)
	}
	e.afterWrite(identity, key, enc)
	return next, nil
}

// ForceUpdate overwrites without version checking. Escape hatch: a concurrent
// CAS update can be lost. Audited via log and hook; normal update paths never
// reach this.
func (e *Engine) ForceUpdate(ctx context.Context, identity string, fieldUpdates map[string]any, source string) (*Record, error) {
	if err := validateUpdate(identity, fieldUpdates); err != nil {
		return nil, err
	}
	key := util.RecordKey(identity)

	raw, found, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, wrapErr(KindTransientStore, identity, err)
	}

	var next *Record
	if found {
		if rec, derr := e.decodeRecord(ctx, identity, key, raw); derr == nil {
			next = rec.Clone()
			next.applyFields(fieldUpdates)
			next.touch(source, OpForce, e.now())
		}
	}
	if next == nil {
		next = NewRecord(e.now())
		next.applyFields(fieldUpdates)
		next.stamp(source, OpForce)
	}

	enc, err := e.encodeRecord(identity, next)
	if err != nil {
		return nil, err
	}
	if err := e.store.Set(ctx, key, enc, 0); err != nil {
		return nil, wrapErr(KindTransientStore, identity, err)
	}

	e.log.Warn("force update bypassed version check", Fields{"identity": identity, "source": source, "version": next.Version})
	e.hooks.ForcedUpdate(identity, source)
	e.afterWrite(identity, key, enc)
	return next, nil
}

// Get returns the current record. Absence is a valid result (found=false),
// not an error.
func (e *Engine) Get(ctx context.Context, identity string) (*Record, bool, error) {
	if identity == "" {
		return nil, false, errf(KindInvalidArgument, "", "identity is required")
	}
	key := util.RecordKey(identity)

	if e.rc != nil {
		if raw, ok := e.rc.Get(key); ok {
			if rec, err := decodeEnvelope(e.codec, raw); err == nil {
				return rec, true, nil
			}
			e.rc.Del(key)
		}
	}

	raw, found, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, false, wrapErr(KindTransientStore, identity, err)
	}
	if !found {
		return nil, false, nil
	}
	rec, err := e.decodeRecord(ctx, identity, key, raw)
	if err != nil {
		// self-healed corrupt entry reads as a miss
		return nil, false, nil
	}
	if e.rc != nil {
		e.rc.Set(key, raw, e.readTTL)
	}
	return rec, true, nil
}

// Delete removes the record and all derived markers under a blocking lease.
// Returns whether a record existed. Explicit operation: records are never
// deleted implicitly.
func (e *Engine) Delete(ctx context.Context, identity, reason string) (bool, error) {
	if identity == "" {
		return false, errf(KindInvalidArgument, "", "identity is required")
	}

	lease, ok, err := e.locks.Acquire(ctx, identity, deleteLeaseTime, deleteMaxWait)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errf(KindLockFailed, identity, "could not lease record for delete")
	}
	defer func() { _, _ = e.locks.Release(context.WithoutCancel(ctx), lease) }()

	key := util.RecordKey(identity)
	_, existed, err := e.store.Get(ctx, key)
	if err != nil {
		return false, wrapErr(KindTransientStore, identity, err)
	}
	if err := e.store.Delete(ctx, key); err != nil {
		return false, wrapErr(KindTransientStore, identity, err)
	}
	_ = e.store.SetRemove(ctx, util.DirtySetKey, identity)
	if e.rc != nil {
		e.rc.Del(key)
	}

	e.log.Info("record deleted", Fields{"identity": identity, "reason": reason})
	return existed, nil
}

func (e *Engine) encodeRecord(identity string, rec *Record) ([]byte, error) {
	payload, err := e.codec.Encode(rec)
	if err != nil {
		return nil, wrapErr(KindInvalidArgument, identity, err)
	}
	return wire.EncodeRecord(rec.Version, payload), nil
}

// decodeRecord validates and decodes stored bytes. Corrupt or inconsistent
// entries are deleted (self-heal) and reported via hook; the caller treats
// the key as absent afterwards.
func (e *Engine) decodeRecord(ctx context.Context, identity, key string, raw []byte) (*Record, error) {
	ver, payload, err := wire.DecodeRecord(raw)
	if err != nil {
		e.selfHeal(ctx, identity, key, "corrupt")
		return nil, err
	}
	rec, err := e.codec.Decode(payload)
	if err != nil {
		e.selfHeal(ctx, identity, key, "decode")
		return nil, err
	}
	if rec.Version != ver {
		e.selfHeal(ctx, identity, key, "version_mismatch")
		return nil, wire.ErrCorrupt
	}
	return rec, nil
}

func (e *Engine) selfHeal(ctx context.Context, identity, key, reason string) {
	_ = e.store.Delete(ctx, key)
	if e.rc != nil {
		e.rc.Del(key)
	}
	e.hooks.SelfHealRecord(identity, reason)
	e.log.Warn("self-healed record entry", Fields{"identity": identity, "reason": reason})
}

func (e *Engine) afterWrite(identity, key string, enc []byte) {
	if e.rc != nil {
		e.rc.Set(key, enc, e.readTTL)
	}
	if e.onWrite != nil {
		e.onWrite(identity)
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return wrapErr(KindTransientStore, "", err)
		}
		return nil
	}
	select {
	case <-ctx.Done():
		return wrapErr(KindTransientStore, "", ctx.Err())
	case <-time.After(d):
		return nil
	}
}

func decodeEnvelope(c codec.Codec[*Record], raw []byte) (*Record, error) {
	ver, payload, err := wire.DecodeRecord(raw)
	if err != nil {
		return nil, err
	}
	rec, err := c.Decode(payload)
	if err != nil {
		return nil, err
	}
	if rec.Version != ver {
		return nil, wire.ErrCorrupt
	}
	return rec, nil
}

func validateUpdate(identity string, fieldUpdates map[string]any) error {
	if identity == "" {
		return errf(KindInvalidArgument, "", "identity is required")
	}
	if len(fieldUpdates) == 0 {
		return errf(KindInvalidArgument, identity, "empty field updates")
	}
	return nil
}
