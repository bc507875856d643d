package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/profsync"
)

func TestMemoryFanOut(t *testing.T) {
	b := NewMemory(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	got := map[string][]string{}
	var wg sync.WaitGroup

	for _, group := range []string{"router", "applier"} {
		group := group
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Consume(ctx, group, func(_ context.Context, msg *profsync.SyncMessage) error {
				mu.Lock()
				got[group] = append(got[group], msg.Identity)
				mu.Unlock()
				return nil
			})
		}()
	}
	// let both Consume calls register their group channels
	time.Sleep(20 * time.Millisecond)

	for _, id := range []string{"u1", "u2", "u3"} {
		if err := b.Publish(ctx, &profsync.SyncMessage{Identity: id, Priority: profsync.PriorityBatch}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(got["router"]) == 3 && len(got["applier"]) == 3
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for fan-out: %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	wg.Wait()

	for _, group := range []string{"router", "applier"} {
		for i, want := range []string{"u1", "u2", "u3"} {
			if got[group][i] != want {
				t.Fatalf("group %s message %d = %s, want %s", group, i, got[group][i], want)
			}
		}
	}
}

func TestMemoryPublishWithoutConsumers(t *testing.T) {
	b := NewMemory(1)
	if err := b.Publish(context.Background(), &profsync.SyncMessage{Identity: "u1"}); err != nil {
		t.Fatalf("publish with no groups: %v", err)
	}
}

func TestMemoryCloseStopsConsumers(t *testing.T) {
	b := NewMemory(1)
	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, "g", func(context.Context, *profsync.SyncMessage) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	if err := b.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume after close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after close")
	}
}
