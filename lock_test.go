package profsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/profsync/store/memory"
)

func newTestLocks(t *testing.T, opts LockOptions) *LockManager {
	t.Helper()
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	m, err := NewLockManager(opts)
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	return m
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	m := newTestLocks(t, LockOptions{})
	ctx := context.Background()

	lease, ok, err := m.TryAcquire(ctx, "res", time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := m.TryAcquire(ctx, "res", time.Second); ok {
		t.Fatal("second acquire succeeded while held")
	}

	released, err := m.Release(ctx, lease)
	if err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}
	if _, ok, _ := m.TryAcquire(ctx, "res", time.Second); !ok {
		t.Fatal("acquire failed after release")
	}
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	m := newTestLocks(t, LockOptions{})
	ctx := context.Background()

	// short lease expires underneath the first holder
	stale, ok, _ := m.TryAcquire(ctx, "res", 20*time.Millisecond)
	if !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(40 * time.Millisecond)

	fresh, ok, _ := m.TryAcquire(ctx, "res", time.Second)
	if !ok {
		t.Fatal("acquire after expiry failed")
	}

	// the stale holder's release must not touch the new lease
	if released, _ := m.Release(ctx, stale); released {
		t.Fatal("stale token released a foreign lease")
	}
	if held, _ := m.Held(ctx, "res"); !held {
		t.Fatal("fresh lease removed by stale release")
	}
	if released, _ := m.Release(ctx, fresh); !released {
		t.Fatal("fresh holder could not release")
	}
}

func TestReentrantHolds(t *testing.T) {
	m := newTestLocks(t, LockOptions{})
	ctx := context.Background()

	lease, ok, _ := m.TryAcquire(ctx, "res", time.Second)
	if !ok {
		t.Fatal("acquire failed")
	}
	ok, err := lease.Reacquire(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}
	if lease.Holds() != 2 {
		t.Fatalf("holds = %d, want 2", lease.Holds())
	}

	// first release drops a hold, the lease stays
	if released, _ := m.Release(ctx, lease); !released {
		t.Fatal("nested release failed")
	}
	if held, _ := m.Held(ctx, "res"); !held {
		t.Fatal("lease removed with a hold outstanding")
	}

	// last release removes it
	if released, _ := m.Release(ctx, lease); !released {
		t.Fatal("final release failed")
	}
	if held, _ := m.Held(ctx, "res"); held {
		t.Fatal("lease survived final release")
	}
}

func TestReacquireFailsOnExpiredLease(t *testing.T) {
	m := newTestLocks(t, LockOptions{})
	ctx := context.Background()

	lease, ok, _ := m.TryAcquire(ctx, "res", 20*time.Millisecond)
	if !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(40 * time.Millisecond)

	if ok, err := lease.Reacquire(ctx, time.Second); err != nil || ok {
		t.Fatalf("reacquire on expired lease: ok=%v err=%v", ok, err)
	}
}

func TestAcquireBlocksUntilFree(t *testing.T) {
	m := newTestLocks(t, LockOptions{})
	ctx := context.Background()

	lease, _, _ := m.TryAcquire(ctx, "res", time.Second)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Release(ctx, lease)
	}()

	got, ok, err := m.Acquire(ctx, "res", time.Second, 500*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("blocking acquire: ok=%v err=%v", ok, err)
	}
	_, _ = m.Release(ctx, got)
}

func TestAcquireTimesOut(t *testing.T) {
	m := newTestLocks(t, LockOptions{})
	ctx := context.Background()

	lease, _, _ := m.TryAcquire(ctx, "res", time.Minute)
	defer m.Release(ctx, lease)

	start := time.Now()
	_, ok, err := m.Acquire(ctx, "res", time.Second, 30*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("timed-out acquire: ok=%v err=%v", ok, err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("timeout overshot")
	}
}

func TestAcquireFairGrantsInTicketOrder(t *testing.T) {
	m := newTestLocks(t, LockOptions{})
	ctx := context.Background()

	holder, ok, _ := m.AcquireFair(ctx, "res", time.Second, time.Second)
	if !ok {
		t.Fatal("initial fair acquire failed")
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	start := func(name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, ok, err := m.AcquireFair(ctx, "res", time.Second, 2*time.Second)
			if err != nil || !ok {
				t.Errorf("%s: ok=%v err=%v", name, ok, err)
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			_, _ = m.Release(ctx, l)
		}()
	}

	start("first")
	time.Sleep(30 * time.Millisecond) // ensure "first" takes the lower ticket
	start("second")
	time.Sleep(30 * time.Millisecond)

	_, _ = m.Release(ctx, holder)
	wg.Wait()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("grant order = %v", order)
	}
}

func TestAcquireFairSkipsAbandonedWaiter(t *testing.T) {
	m := newTestLocks(t, LockOptions{})
	ctx := context.Background()

	holder, ok, _ := m.AcquireFair(ctx, "res", time.Second, time.Second)
	if !ok {
		t.Fatal("initial fair acquire failed")
	}

	// this waiter takes the next ticket and gives up
	if _, ok, err := m.AcquireFair(ctx, "res", time.Second, 20*time.Millisecond); err != nil || ok {
		t.Fatalf("abandoning waiter: ok=%v err=%v", ok, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l, ok, err := m.AcquireFair(ctx, "res", time.Second, 2*time.Second)
		if err != nil || !ok {
			t.Errorf("queued waiter: ok=%v err=%v", ok, err)
			return
		}
		_, _ = m.Release(ctx, l)
	}()

	time.Sleep(30 * time.Millisecond)
	_, _ = m.Release(ctx, holder)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue stalled behind an abandoned waiter")
	}
}

func TestWatchdogKeepsLeaseAlive(t *testing.T) {
	m := newTestLocks(t, LockOptions{Watchdog: true})
	ctx := context.Background()

	lease, ok, _ := m.TryAcquire(ctx, "res", 60*time.Millisecond)
	if !ok {
		t.Fatal("acquire failed")
	}

	// well past the original lease time; renewals must have kept it
	time.Sleep(250 * time.Millisecond)
	if held, _ := m.Held(ctx, "res"); !held {
		t.Fatal("lease expired despite the watchdog")
	}
	if lease.Expiry().Before(time.Now()) {
		t.Fatal("expiry was not advanced by renewal")
	}

	if released, err := m.Release(ctx, lease); err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}
	if held, _ := m.Held(ctx, "res"); held {
		t.Fatal("lease survived release")
	}
}

func TestWatchdogStopsWhenLeaseStolen(t *testing.T) {
	st := memory.New()
	var lost sync.WaitGroup
	lost.Add(1)
	hooks := &watchdogHooks{onLost: lost.Done}
	m := newTestLocks(t, LockOptions{Store: st, Hooks: hooks, Watchdog: true})
	ctx := context.Background()

	lease, ok, _ := m.TryAcquire(ctx, "res", 60*time.Millisecond)
	if !ok {
		t.Fatal("acquire failed")
	}

	// an operator yanks the lease away
	if err := m.ForceRelease(ctx, "res"); err != nil {
		t.Fatalf("force release: %v", err)
	}

	waitDone := make(chan struct{})
	go func() {
		lost.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never reported the lost lease")
	}

	if released, _ := m.Release(ctx, lease); released {
		t.Fatal("release succeeded on a force-released lease")
	}
}

type watchdogHooks struct {
	NopHooks
	once   sync.Once
	onLost func()
}

func (h *watchdogHooks) WatchdogRenewLost(string) {
	h.once.Do(h.onLost)
}
