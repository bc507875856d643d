package profsync

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/profsync/internal/util"
	"github.com/unkn0wn-root/profsync/store"
)

const (
	defaultLockPoll = 25 * time.Millisecond

	// retention for fair-queue bookkeeping keys; refreshed on every write so
	// an abandoned queue eventually clears itself
	fairQueueTTL = time.Hour

	renewTimeout = 2 * time.Second
)

// leaseValue is the bytes stored under lock:<resource>. The hold count lives
// next to the token so reentrant acquisition is a CAS, not string parsing.
type leaseValue struct {
	Token string `json:"token"`
	Holds int    `json:"holds"`
}

func encodeLease(token string, holds int) []byte {
	b, _ := json.Marshal(leaseValue{Token: token, Holds: holds})
	return b
}

// Lease is a time-bounded, token-authenticated grant over a named resource.
// Only the holder presenting the matching token can release or renew it;
// expired leases are implicitly free.
type Lease struct {
	Resource string
	Token    string // opaque, globally unique per acquisition

	m         *LockManager
	leaseTime time.Duration

	mu       sync.Mutex
	holds    int
	expiry   time.Time
	released bool

	fair   bool
	ticket int64

	stopRenew chan struct{}
	renewDone chan struct{}
}

// Holds returns the current reentrant hold count.
func (l *Lease) Holds() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holds
}

// Expiry returns the expiry as of the last successful acquire/renew.
func (l *Lease) Expiry() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiry
}

// Reacquire increments the hold count of an already-held lease and refreshes
// its TTL. Returns false when the lease has expired or been stolen underneath;
// the caller must then go through a fresh acquisition.
func (l *Lease) Reacquire(ctx context.Context, leaseTime time.Duration) (bool, error) {
	l.mu.Lock()
	holds := l.holds
	released := l.released
	l.mu.Unlock()
	if released || holds == 0 {
		return false, nil
	}

	old := encodeLease(l.Token, holds)
	next := encodeLease(l.Token, holds+1)
	ok, err := l.m.store.CompareAndSwap(ctx, l.key(), old, next, leaseTime)
	if err != nil {
		return false, wrapErr(KindTransientStore, l.Resource, err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.holds++
	l.expiry = time.Now().Add(leaseTime)
	l.mu.Unlock()
	return true, nil
}

func (l *Lease) key() string { return util.LockKey(l.Resource) }

func (l *Lease) snapshot() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return encodeLease(l.Token, l.holds)
}

func (l *Lease) setExpiry(t time.Time) {
	l.mu.Lock()
	l.expiry = t
	l.mu.Unlock()
}

// LockManager grants leases against the KV store under the lock:<resource>
// namespace. All acquisition failures come back as a typed result (ok=false
// or a *Error), never a panic; store unavailability is reported the same way
// and retried by the caller.
type LockManager struct {
	store    store.Store
	log      Logger
	hooks    Hooks
	poll     time.Duration
	watchdog bool
}

type LockOptions struct {
	Store store.Store // required

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks

	// PollInterval is the contention poll for blocking/fair acquisition.
	// 0 => 25ms.
	PollInterval time.Duration

	// Watchdog auto-renews held leases at a third of the lease time until
	// release, so long critical sections do not lose their lease.
	Watchdog bool
}

func NewLockManager(opts LockOptions) (*LockManager, error) {
	if opts.Store == nil {
		return nil, errf(KindInvalidArgument, "", "lock manager: store is required")
	}
	return &LockManager{
		store:    opts.Store,
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
		poll:     coalesce[time.Duration](opts.PollInterval, defaultLockPoll),
		watchdog: opts.Watchdog,
	}, nil
}

// TryAcquire makes a single acquisition attempt and returns immediately.
// ok=false with a nil error means the lease is held elsewhere.
func (m *LockManager) TryAcquire(ctx context.Context, resource string, leaseTime time.Duration) (*Lease, bool, error) {
	if resource == "" || leaseTime <= 0 {
		return nil, false, errf(KindInvalidArgument, resource, "resource and positive lease time are required")
	}

	token := uuid.NewString()
	ok, err := m.store.SetIfAbsent(ctx, util.LockKey(resource), encodeLease(token, 1), leaseTime)
	if err != nil {
		return nil, false, wrapErr(KindTransientStore, resource, err)
	}
	if !ok {
		m.hooks.LockContended(resource)
		return nil, false, nil
	}

	l := &Lease{
		Resource:  resource,
		Token:     token,
		m:         m,
		leaseTime: leaseTime,
		holds:     1,
		expiry:    time.Now().Add(leaseTime),
	}
	if m.watchdog {
		l.stopRenew = make(chan struct{})
		l.renewDone = make(chan struct{})
		go m.renewLoop(l)
	}
	return l, true, nil
}

// Acquire polls until the lease is obtained or maxWait elapses.
// ok=false with a nil error means the wait timed out; context cancellation
// surfaces as a LockFailed error.
func (m *LockManager) Acquire(ctx context.Context, resource string, leaseTime, maxWait time.Duration) (*Lease, bool, error) {
	deadline := time.Now().Add(maxWait)
	for {
		l, ok, err := m.TryAcquire(ctx, resource, leaseTime)
		if err != nil || ok {
			return l, ok, err
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, wrapErr(KindLockFailed, resource, ctx.Err())
		case <-time.After(m.poll):
		}
	}
}

// AcquireFair is Acquire with arrival-order granting among fair waiters on
// the same resource. Each waiter takes a ticket; a waiter proceeds when the
// serving counter reaches its ticket. A waiter that abandons the queue (crash
// or timeout) is skipped once its presence marker lapses, so the queue never
// stalls.
func (m *LockManager) AcquireFair(ctx context.Context, resource string, leaseTime, maxWait time.Duration) (*Lease, bool, error) {
	if resource == "" || leaseTime <= 0 {
		return nil, false, errf(KindInvalidArgument, resource, "resource and positive lease time are required")
	}

	ticketKey := util.LockKey(resource) + ":ticket"
	servingKey := util.LockKey(resource) + ":serving"

	ticket, err := m.store.Incr(ctx, ticketKey)
	if err != nil {
		return nil, false, wrapErr(KindTransientStore, resource, err)
	}
	_, _ = m.store.Expire(ctx, ticketKey, fairQueueTTL)

	wk := waiterKey(resource, ticket)
	if err := m.store.Set(ctx, wk, []byte("1"), maxWait+leaseTime); err != nil {
		return nil, false, wrapErr(KindTransientStore, resource, err)
	}
	defer func() { _ = m.store.Delete(context.WithoutCancel(ctx), wk) }()

	deadline := time.Now().Add(maxWait)
	for {
		serving, err := m.serving(ctx, servingKey)
		if err != nil {
			return nil, false, wrapErr(KindTransientStore, resource, err)
		}

		switch {
		case ticket <= serving+1:
			// our turn (or we were presumed dead and skipped; behave as head)
			l, ok, err := m.TryAcquire(ctx, resource, leaseTime)
			if err != nil {
				return nil, false, err
			}
			if ok {
				l.fair = true
				l.ticket = ticket
				return l, true, nil
			}
		default:
			// not our turn; skip the head ticket if its waiter is gone
			head := serving + 1
			if alive, aerr := m.waiterAlive(ctx, resource, head); aerr == nil && !alive {
				m.advanceServing(ctx, servingKey, serving, head)
			}
		}

		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, wrapErr(KindLockFailed, resource, ctx.Err())
		case <-time.After(m.poll):
		}
	}
}

// Release decrements the hold count and removes the lease at zero. Returns
// false when the lease is no longer held by its token (expired or stolen);
// it never releases another holder's lease.
func (m *LockManager) Release(ctx context.Context, l *Lease) (bool, error) {
	if l == nil {
		return false, errf(KindInvalidArgument, "", "nil lease")
	}

	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return false, nil
	}
	holds := l.holds
	l.mu.Unlock()

	old := encodeLease(l.Token, holds)

	if holds > 1 {
		ok, err := m.store.CompareAndSwap(ctx, l.key(), old, encodeLease(l.Token, holds-1), 0)
		if err != nil {
			return false, wrapErr(KindTransientStore, l.Resource, err)
		}
		if !ok {
			// gone underneath; nothing left to hold
			m.finishRelease(ctx, l)
			return false, nil
		}
		l.mu.Lock()
		l.holds--
		l.mu.Unlock()
		return true, nil
	}

	ok, err := m.store.CompareAndDelete(ctx, l.key(), old)
	if err != nil {
		return false, wrapErr(KindTransientStore, l.Resource, err)
	}
	m.finishRelease(ctx, l)
	return ok, nil
}

// ForceRelease unconditionally removes a lease regardless of holder.
// Operator-driven cleanup only.
func (m *LockManager) ForceRelease(ctx context.Context, resource string) error {
	m.log.Warn("force-releasing lock", Fields{"resource": resource})
	if err := m.store.Delete(ctx, util.LockKey(resource)); err != nil {
		return wrapErr(KindTransientStore, resource, err)
	}
	return nil
}

// Held reports whether any lease currently exists for the resource.
func (m *LockManager) Held(ctx context.Context, resource string) (bool, error) {
	_, ok, err := m.store.Get(ctx, util.LockKey(resource))
	if err != nil {
		return false, wrapErr(KindTransientStore, resource, err)
	}
	return ok, nil
}

func (m *LockManager) finishRelease(ctx context.Context, l *Lease) {
	l.mu.Lock()
	alreadyReleased := l.released
	l.released = true
	l.holds = 0
	fair, ticket := l.fair, l.ticket
	l.mu.Unlock()
	if alreadyReleased {
		return
	}

	if l.stopRenew != nil {
		close(l.stopRenew)
		<-l.renewDone
	}

	if fair {
		servingKey := util.LockKey(l.Resource) + ":serving"
		if serving, err := m.serving(ctx, servingKey); err == nil && serving < ticket {
			m.advanceServing(ctx, servingKey, serving, ticket)
		}
	}
}

// renewLoop extends the lease expiry at a third of the lease time so the
// holder's critical section is never cut short. It stops on release or once
// it observes the lease gone/stolen.
func (m *LockManager) renewLoop(l *Lease) {
	defer close(l.renewDone)

	interval := l.leaseTime / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenew:
			return
		case <-ticker.C:
			ok, err := m.renewOnce(l)
			if err != nil {
				// transient; try again next tick while the lease is still live
				m.log.Warn("lease renew error", Fields{"resource": l.Resource, "err": err})
				continue
			}
			if !ok {
				m.hooks.WatchdogRenewLost(l.Resource)
				m.log.Warn("lease lost during renewal", Fields{"resource": l.Resource})
				return
			}
		}
	}
}

func (m *LockManager) renewOnce(l *Lease) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()

	// the hold count can move between snapshot and compare; one fresh retry
	// covers the benign race
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.store.CompareAndExpire(ctx, l.key(), l.snapshot(), l.leaseTime)
		if err != nil {
			return false, err
		}
		if ok {
			l.setExpiry(time.Now().Add(l.leaseTime))
			return true, nil
		}
	}
	return false, nil
}

func (m *LockManager) serving(ctx context.Context, servingKey string) (int64, error) {
	raw, ok, err := m.store.Get(ctx, servingKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

func (m *LockManager) advanceServing(ctx context.Context, servingKey string, from, to int64) {
	if from == 0 {
		// the serving key may not exist yet; materialize it so CAS can run
		_, _ = m.store.SetIfAbsent(ctx, servingKey, []byte("0"), fairQueueTTL)
	}
	cur := []byte(strconv.FormatInt(from, 10))
	next := []byte(strconv.FormatInt(to, 10))
	_, _ = m.store.CompareAndSwap(ctx, servingKey, cur, next, fairQueueTTL)
}

func (m *LockManager) waiterAlive(ctx context.Context, resource string, ticket int64) (bool, error) {
	_, ok, err := m.store.Get(ctx, waiterKey(resource, ticket))
	return ok, err
}

func waiterKey(resource string, ticket int64) string {
	return util.LockKey(resource) + ":waiter:" + strconv.FormatInt(ticket, 10)
}
