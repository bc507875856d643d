package memory

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/unkn0wn-root/profsync/store"
)

func TestSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.SetIfAbsent(ctx, "k", []byte("a"), 0)
	if err != nil || !ok {
		t.Fatalf("first SetIfAbsent: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetIfAbsent(ctx, "k", []byte("b"), 0)
	if err != nil || ok {
		t.Fatalf("second SetIfAbsent should lose: ok=%v err=%v", ok, err)
	}
	v, found, _ := s.Get(ctx, "k")
	if !found || string(v) != "a" {
		t.Fatalf("value overwritten: %q", v)
	}
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Set(ctx, "k", []byte("v1"), 0)

	t.Run("mismatch", func(t *testing.T) {
		ok, err := s.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"), 0)
		if err != nil || ok {
			t.Fatalf("CAS with stale expected should fail: ok=%v err=%v", ok, err)
		}
	})

	t.Run("match", func(t *testing.T) {
		ok, err := s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), 0)
		if err != nil || !ok {
			t.Fatalf("CAS: ok=%v err=%v", ok, err)
		}
		v, _, _ := s.Get(ctx, "k")
		if string(v) != "v2" {
			t.Fatalf("got %q", v)
		}
	})

	t.Run("absent", func(t *testing.T) {
		ok, err := s.CompareAndSwap(ctx, "missing", []byte("x"), []byte("y"), 0)
		if err != nil || ok {
			t.Fatalf("CAS on absent key should fail: ok=%v err=%v", ok, err)
		}
	})
}

func TestCompareAndSwapPreservesTTL(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Set(ctx, "k", []byte("v1"), 40*time.Millisecond)

	if ok, _ := s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), 0); !ok {
		t.Fatalf("CAS failed")
	}
	time.Sleep(60 * time.Millisecond)
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Fatalf("TTL should have been preserved through CAS")
	}
}

func TestCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Set(ctx, "k", []byte("tok"), 0)

	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("other")); ok {
		t.Fatalf("delete with wrong value should fail")
	}
	if _, found, _ := s.Get(ctx, "k"); !found {
		t.Fatalf("key must survive failed conditional delete")
	}
	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("tok")); !ok {
		t.Fatalf("delete with matching value should succeed")
	}
}

func TestCompareAndExpire(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Set(ctx, "k", []byte("tok"), 20*time.Millisecond)

	if ok, _ := s.CompareAndExpire(ctx, "k", []byte("tok"), 200*time.Millisecond); !ok {
		t.Fatalf("conditional expire should succeed")
	}
	time.Sleep(50 * time.Millisecond)
	if _, found, _ := s.Get(ctx, "k"); !found {
		t.Fatalf("TTL extension not applied")
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Set(ctx, "k", []byte("v"), 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Fatalf("expired key still visible")
	}
}

func TestIncr(t *testing.T) {
	ctx := context.Background()
	s := New()
	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "c")
		if err != nil || n != want {
			t.Fatalf("Incr: n=%d err=%v want %d", n, err, want)
		}
	}
	// counter is readable as a decimal string
	v, found, _ := s.Get(ctx, "c")
	if !found || string(v) != "3" {
		t.Fatalf("counter bytes: %q", v)
	}
}

func TestSetOps(t *testing.T) {
	ctx := context.Background()
	s := New()

	_ = s.SetAdd(ctx, "ids", "a", "b")
	_ = s.SetAdd(ctx, "ids", "b") // idempotent
	got, _ := s.SetMembers(ctx, "ids")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("members: %v", got)
	}

	_ = s.SetRemove(ctx, "ids", "a", "zz")
	got, _ = s.SetMembers(ctx, "ids")
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("after remove: %v", got)
	}
}

func TestTxCommitAndAbort(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Set(ctx, "a", []byte("1"), 0)

	err := s.Tx(ctx, []string{"a", "b"}, func(tx store.Tx) error {
		v, found, _ := tx.Get(ctx, "a")
		if !found || string(v) != "1" {
			t.Fatalf("tx read: %q found=%v", v, found)
		}
		tx.Set("a", []byte("2"), 0)
		tx.Set("b", []byte("new"), 0)
		return nil
	})
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if v, _, _ := s.Get(ctx, "a"); string(v) != "2" {
		t.Fatalf("commit lost: %q", v)
	}
	if _, found, _ := s.Get(ctx, "b"); !found {
		t.Fatalf("staged insert lost")
	}

	boom := errors.New("boom")
	err = s.Tx(ctx, []string{"a"}, func(tx store.Tx) error {
		tx.Set("a", []byte("3"), 0)
		tx.Delete("b")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	if v, _, _ := s.Get(ctx, "a"); string(v) != "2" {
		t.Fatalf("aborted tx mutated state: %q", v)
	}
	if _, found, _ := s.Get(ctx, "b"); !found {
		t.Fatalf("aborted tx deleted key")
	}
}

func TestValueIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf, 0)
	buf[0] = 'X'
	v, _, _ := s.Get(ctx, "k")
	if string(v) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", v)
	}
}
