// Package syncer propagates cache writes to the downstream document store.
//
// Writes mark their identity in a dirty set; a periodic scan drains the set
// and publishes BATCH messages with the full attribute state. Operationally
// urgent fields bypass the scan through SyncImmediate, which updates the
// cache and publishes an IMMEDIATE message in one step. The Applier on the
// consuming side writes through to the document store with a version check.
package syncer

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/profsync"
	"github.com/unkn0wn-root/profsync/bus"
	"github.com/unkn0wn-root/profsync/internal/util"
	"github.com/unkn0wn-root/profsync/store"
)

const (
	defaultInterval  = 5 * time.Second
	defaultScanLease = 3 * time.Second
	defaultParallel  = 4

	immediateLeaseTime = 3 * time.Second
	immediateMaxWait   = 2 * time.Second

	syncResourcePrefix = "sync:"
)

// SectionFunc assigns a field to a logical section of the sync message.
type SectionFunc func(field string) string

// Orchestrator owns the dirty set and the scan loop.
type Orchestrator struct {
	engine *profsync.Engine
	store  store.Store
	bus    bus.Bus
	locks  *profsync.LockManager
	log    profsync.Logger
	hooks  profsync.Hooks

	interval  time.Duration
	scanLease time.Duration
	parallel  int
	sectionOf SectionFunc
	now       func() time.Time
}

// Options tune the orchestrator. Engine, Store and Bus are required.
type Options struct {
	Engine *profsync.Engine
	Store  store.Store
	Bus    bus.Bus

	// Locks defaults to the engine's manager so scan leases and record
	// leases share semantics.
	Locks  *profsync.LockManager
	Logger profsync.Logger
	Hooks  profsync.Hooks

	Interval  time.Duration // scan period; 0 => 5s
	ScanLease time.Duration // per-identity scan lease; 0 => 3s
	Parallel  int           // concurrent identities per scan; 0 => 4
	SectionOf SectionFunc   // nil => every field in "dynamic"
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Engine == nil || opts.Store == nil || opts.Bus == nil {
		return nil, &profsync.Error{Kind: profsync.KindInvalidArgument, Msg: "syncer: engine, store and bus are required"}
	}

	o := &Orchestrator{
		engine:    opts.Engine,
		store:     opts.Store,
		bus:       opts.Bus,
		locks:     opts.Locks,
		log:       opts.Logger,
		hooks:     opts.Hooks,
		interval:  opts.Interval,
		scanLease: opts.ScanLease,
		parallel:  opts.Parallel,
		sectionOf: opts.SectionOf,
		now:       time.Now,
	}
	if o.locks == nil {
		o.locks = opts.Engine.Locks()
	}
	if o.log == nil {
		o.log = profsync.NopLogger{}
	}
	if o.hooks == nil {
		o.hooks = profsync.NopHooks{}
	}
	if o.interval <= 0 {
		o.interval = defaultInterval
	}
	if o.scanLease <= 0 {
		o.scanLease = defaultScanLease
	}
	if o.parallel <= 0 {
		o.parallel = defaultParallel
	}
	if o.sectionOf == nil {
		o.sectionOf = func(string) string { return "dynamic" }
	}

	// every successful cache write marks its identity dirty
	opts.Engine.SetWriteObserver(o.markDirtyAsync)
	return o, nil
}

// MarkDirty flags an identity for the next batch scan. Idempotent: a set
// member, not a queue entry, so K writes before a scan produce one sync.
func (o *Orchestrator) MarkDirty(ctx context.Context, identity string) error {
	if err := o.store.SetAdd(ctx, util.DirtySetKey, identity); err != nil {
		o.log.Warn("dirty mark failed", profsync.Fields{"identity": identity, "error": err.Error()})
		return err
	}
	return nil
}

func (o *Orchestrator) markDirtyAsync(identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = o.MarkDirty(ctx, identity)
}

// Run executes batch scans every interval until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := o.ScanOnce(ctx); err != nil {
				o.log.Error("batch scan failed", profsync.Fields{"error": err.Error()})
			} else if n > 0 {
				o.log.Debug("batch scan complete", profsync.Fields{"synced": n})
			}
		}
	}
}

// ScanOnce drains the dirty set: for each member it leases the identity's
// sync resource, snapshots the record and publishes one BATCH message with
// the full attribute state. The marker is removed only after a successful
// publish, so failures retry on the next scan. Returns the number of
// identities synced.
func (o *Orchestrator) ScanOnce(ctx context.Context) (int, error) {
	members, err := o.store.SetMembers(ctx, util.DirtySetKey)
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallel)
	var synced atomic.Int64
	for _, identity := range members {
		identity := identity
		g.Go(func() error {
			ok, err := o.syncOne(gctx, identity)
			if err != nil {
				// per-identity failures never abort the scan
				o.log.Warn("identity sync failed", profsync.Fields{"identity": identity, "error": err.Error()})
				return nil
			}
			if ok {
				synced.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(synced.Load()), nil
}

func (o *Orchestrator) syncOne(ctx context.Context, identity string) (bool, error) {
	lease, ok, err := o.locks.TryAcquire(ctx, syncResourcePrefix+identity, o.scanLease)
	if err != nil {
		return false, err
	}
	if !ok {
		// another scanner or an immediate sync owns this identity
		return false, nil
	}
	defer func() { _, _ = o.locks.Release(context.WithoutCancel(ctx), lease) }()

	rec, found, err := o.engine.Get(ctx, identity)
	if err != nil {
		return false, err
	}
	if !found {
		// deleted since it was marked; nothing to sync
		return false, o.store.SetRemove(ctx, util.DirtySetKey, identity)
	}

	msg := &profsync.SyncMessage{
		Identity:  identity,
		Priority:  profsync.PriorityBatch,
		Version:   rec.Version,
		Timestamp: o.now().UnixMilli(),
		Sections:  o.partition(rec.Attributes),
	}
	if err := o.bus.Publish(ctx, msg); err != nil {
		return false, err
	}
	if err := o.store.SetRemove(ctx, util.DirtySetKey, identity); err != nil {
		// harmless: the next scan republishes and the version check dedupes
		o.log.Warn("dirty unmark failed", profsync.Fields{"identity": identity, "error": err.Error()})
	}
	return true, nil
}

// SyncImmediate applies fieldUpdates to the cache and publishes an IMMEDIATE
// message in one leased step, so the message version matches the write it
// describes. Used for fields whose downstream staleness is unacceptable.
func (o *Orchestrator) SyncImmediate(ctx context.Context, identity string, fieldUpdates map[string]any, source string) (*profsync.Record, error) {
	lease, ok, err := o.locks.Acquire(ctx, syncResourcePrefix+identity, immediateLeaseTime, immediateMaxWait)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &profsync.Error{Kind: profsync.KindLockFailed, Key: identity, Msg: "sync lease held elsewhere"}
	}
	defer func() { _, _ = o.locks.Release(context.WithoutCancel(ctx), lease) }()

	rec, err := o.engine.Update(ctx, identity, fieldUpdates, source)
	if err != nil {
		return nil, err
	}

	msg := &profsync.SyncMessage{
		Identity:  identity,
		Priority:  profsync.PriorityImmediate,
		Version:   rec.Version,
		Timestamp: o.now().UnixMilli(),
	}
	fillDeltas(msg, fieldUpdates, o.sectionOf)

	if err := o.bus.Publish(ctx, msg); err != nil {
		// the write observer already marked the identity dirty, so the next
		// batch scan carries the state downstream
		o.log.Error("immediate publish failed", profsync.Fields{"identity": identity, "version": rec.Version, "error": err.Error()})
		o.hooks.CriticalSyncFailure(identity, rec.Version, err)
		return rec, &profsync.Error{Kind: profsync.KindCriticalSync, Key: identity, Msg: "immediate sync publish failed", Err: err}
	}
	if err := o.store.SetRemove(ctx, util.DirtySetKey, identity); err != nil {
		o.log.Warn("dirty unmark failed", profsync.Fields{"identity": identity, "error": err.Error()})
	}
	return rec, nil
}

// MarkCritical is SyncImmediate under its operational alias.
func (o *Orchestrator) MarkCritical(ctx context.Context, identity string, fieldUpdates map[string]any, source string) (*profsync.Record, error) {
	return o.SyncImmediate(ctx, identity, fieldUpdates, source)
}

func (o *Orchestrator) partition(attrs map[string]any) map[string]map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]map[string]any)
	for k, v := range attrs {
		sec := o.sectionOf(k)
		if out[sec] == nil {
			out[sec] = make(map[string]any)
		}
		out[sec][k] = v
	}
	return out
}

// fillDeltas routes plain field updates into sections and SetOp values into
// membership deltas.
func fillDeltas(msg *profsync.SyncMessage, fields map[string]any, sectionOf SectionFunc) {
	for k, v := range fields {
		if op, ok := v.(profsync.SetOp); ok {
			if len(op.Add) > 0 {
				if msg.SetAdds == nil {
					msg.SetAdds = make(map[string][]string)
				}
				msg.SetAdds[k] = append([]string(nil), op.Add...)
			}
			if len(op.Remove) > 0 {
				if msg.SetRemoves == nil {
					msg.SetRemoves = make(map[string][]string)
				}
				msg.SetRemoves[k] = append([]string(nil), op.Remove...)
			}
			continue
		}
		sec := sectionOf(k)
		if msg.Sections == nil {
			msg.Sections = make(map[string]map[string]any)
		}
		if msg.Sections[sec] == nil {
			msg.Sections[sec] = make(map[string]any)
		}
		msg.Sections[sec][k] = v
	}
}
