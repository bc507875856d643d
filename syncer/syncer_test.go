package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/unkn0wn-root/profsync"
	"github.com/unkn0wn-root/profsync/bus"
	"github.com/unkn0wn-root/profsync/internal/util"
	storemem "github.com/unkn0wn-root/profsync/store/memory"
)

// captureBus records published messages in order.
type captureBus struct {
	mu   sync.Mutex
	msgs []*profsync.SyncMessage
	fail error
}

func (b *captureBus) Publish(_ context.Context, msg *profsync.SyncMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *captureBus) Consume(ctx context.Context, _ string, _ bus.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *captureBus) Close(context.Context) error { return nil }

func (b *captureBus) published() []*profsync.SyncMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*profsync.SyncMessage, len(b.msgs))
	copy(out, b.msgs)
	return out
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *profsync.Engine, *storemem.Store, *captureBus) {
	t.Helper()
	st := storemem.New()
	eng, err := profsync.New(profsync.Options{Store: st})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	cb := &captureBus{}
	o, err := New(Options{Engine: eng, Store: st, Bus: cb})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return o, eng, st, cb
}

func TestDirtyMarkingIsIdempotent(t *testing.T) {
	o, eng, st, cb := newTestOrchestrator(t)
	ctx := context.Background()

	// several writes before a scan collapse into one marker
	for i := 0; i < 5; i++ {
		if _, err := eng.Update(ctx, "u1", map[string]any{"n": i}, "svc"); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	members, _ := st.SetMembers(ctx, util.DirtySetKey)
	if len(members) != 1 || members[0] != "u1" {
		t.Fatalf("dirty set = %v, want [u1]", members)
	}

	n, err := o.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("synced = %d, want 1", n)
	}
	msgs := cb.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Priority != profsync.PriorityBatch || msg.Identity != "u1" || msg.Version != 5 {
		t.Fatalf("message = %+v", msg)
	}
	// the JSON round-trip through the store widens numbers to float64
	if got := msg.Sections["dynamic"]["n"]; got != float64(4) {
		t.Fatalf("message carries n=%v, want latest value 4", got)
	}

	members, _ = st.SetMembers(ctx, util.DirtySetKey)
	if len(members) != 0 {
		t.Fatalf("marker not cleared: %v", members)
	}

	// nothing dirty, nothing published
	n, _ = o.ScanOnce(ctx)
	if n != 0 || len(cb.published()) != 1 {
		t.Fatalf("idle scan synced %d, published %d", n, len(cb.published()))
	}
}

func TestScanLeavesMarkerOnPublishFailure(t *testing.T) {
	o, eng, st, cb := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := eng.Update(ctx, "u1", map[string]any{"a": 1}, "svc"); err != nil {
		t.Fatalf("update: %v", err)
	}

	cb.mu.Lock()
	cb.fail = errors.New("broker down")
	cb.mu.Unlock()

	n, err := o.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 0 {
		t.Fatalf("synced %d with broken bus", n)
	}
	members, _ := st.SetMembers(ctx, util.DirtySetKey)
	if len(members) != 1 {
		t.Fatalf("marker lost after failed publish: %v", members)
	}

	// broker recovers; next scan drains
	cb.mu.Lock()
	cb.fail = nil
	cb.mu.Unlock()
	if n, _ = o.ScanOnce(ctx); n != 1 {
		t.Fatalf("recovery scan synced %d, want 1", n)
	}
}

func TestScanRemovesMarkerForDeletedRecord(t *testing.T) {
	o, _, st, cb := newTestOrchestrator(t)
	ctx := context.Background()

	if err := o.MarkDirty(ctx, "ghost"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := o.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(cb.published()) != 0 {
		t.Fatalf("published message for absent record")
	}
	members, _ := st.SetMembers(ctx, util.DirtySetKey)
	if len(members) != 0 {
		t.Fatalf("stale marker survived: %v", members)
	}
}

func TestSyncImmediate(t *testing.T) {
	o, eng, st, cb := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := eng.Update(ctx, "u1", map[string]any{"city": "Oslo"}, "svc"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, err := o.SyncImmediate(ctx, "u1", map[string]any{
		"status": "suspended",
		"tags":   profsync.SetOp{Add: []string{"fraud"}},
	}, "risk")
	if err != nil {
		t.Fatalf("sync immediate: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("version = %d, want 2", rec.Version)
	}

	msgs := cb.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Priority != profsync.PriorityImmediate || msg.Version != 2 {
		t.Fatalf("message = %+v", msg)
	}
	if msg.Sections["dynamic"]["status"] != "suspended" {
		t.Fatalf("sections = %v", msg.Sections)
	}
	if len(msg.SetAdds["tags"]) != 1 || msg.SetAdds["tags"][0] != "fraud" {
		t.Fatalf("set adds = %v", msg.SetAdds)
	}

	// the in-step publish already synced this write
	members, _ := st.SetMembers(ctx, util.DirtySetKey)
	if len(members) != 0 {
		t.Fatalf("marker left after immediate sync: %v", members)
	}
}

func TestSyncImmediatePublishFailureIsCritical(t *testing.T) {
	o, _, st, cb := newTestOrchestrator(t)
	ctx := context.Background()

	cb.mu.Lock()
	cb.fail = errors.New("broker down")
	cb.mu.Unlock()

	rec, err := o.SyncImmediate(ctx, "u1", map[string]any{"status": "suspended"}, "risk")
	if !profsync.IsKind(err, profsync.KindCriticalSync) {
		t.Fatalf("err = %v, want CriticalSync", err)
	}
	// cache write happened and is recoverable through the batch path
	if rec == nil || rec.Version != 1 {
		t.Fatalf("rec = %+v", rec)
	}
	members, _ := st.SetMembers(ctx, util.DirtySetKey)
	if len(members) != 1 {
		t.Fatalf("dirty marker missing after publish failure: %v", members)
	}
}
