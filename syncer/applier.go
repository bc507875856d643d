package syncer

import (
	"context"

	"github.com/unkn0wn-root/profsync"
	"github.com/unkn0wn-root/profsync/bus"
	"github.com/unkn0wn-root/profsync/docstore"
)

// Applier consumes sync messages and writes them through to the document
// store. The conditional version update makes replays no-ops, so it is safe
// under at-least-once delivery.
type Applier struct {
	docs  docstore.Store
	log   profsync.Logger
	hooks profsync.Hooks
}

func NewApplier(docs docstore.Store, log profsync.Logger, hooks profsync.Hooks) *Applier {
	if log == nil {
		log = profsync.NopLogger{}
	}
	if hooks == nil {
		hooks = profsync.NopHooks{}
	}
	return &Applier{docs: docs, log: log, hooks: hooks}
}

// Handle is a bus.Handler. Conflict policy differs by priority:
//
//   - IMMEDIATE: reread the stored version and retry exactly once against it;
//     a second miss raises CriticalSyncFailure and returns an error so the
//     message stays pending.
//   - BATCH: log and drop. The marker was cleared on publish, so the
//     document stays behind until the next write dirties the identity again;
//     that scan's full-state message converges it.
func (a *Applier) Handle(ctx context.Context, msg *profsync.SyncMessage) error {
	upd := docstore.Update{
		Fields:         msg.FlatFields(),
		AddToSets:      msg.SetAdds,
		RemoveFromSets: msg.SetRemoves,
	}

	affected, err := a.docs.UpdateIfVersion(ctx, msg.Identity, msg.Version-1, upd)
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	if msg.Priority != profsync.PriorityImmediate {
		a.log.Warn("batch sync dropped on version conflict", profsync.Fields{
			"identity": msg.Identity,
			"version":  msg.Version,
		})
		return nil
	}

	// The document diverged (missed messages or out-of-order delivery).
	// Retry once against the version actually stored.
	current, _, err := a.docs.Version(ctx, msg.Identity)
	if err != nil {
		return err
	}
	affected, err = a.docs.UpdateIfVersion(ctx, msg.Identity, current, upd)
	if err != nil {
		return err
	}
	if affected > 0 {
		a.log.Warn("immediate sync applied after version divergence", profsync.Fields{
			"identity":         msg.Identity,
			"message_version":  msg.Version,
			"document_version": current,
		})
		return nil
	}

	err = &profsync.Error{
		Kind: profsync.KindCriticalSync,
		Key:  msg.Identity,
		Msg:  "immediate sync failed after retry",
	}
	a.log.Error("immediate sync failed after retry", profsync.Fields{
		"identity": msg.Identity,
		"version":  msg.Version,
	})
	a.hooks.CriticalSyncFailure(msg.Identity, msg.Version, err)
	return err
}

var _ bus.Handler = (&Applier{}).Handle
