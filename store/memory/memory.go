// Package memory implements store.Store in process memory.
//
// Used by tests and single-process deployments. All operations serialize on
// one mutex, so transactions can never observe a conflict; expiry is lazy,
// checked on access.
package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/unkn0wn-root/profsync/store"
)

type entry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	sets    map[string]map[string]struct{}
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *Store) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, _ := s.getLocked(key); ok {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, _ := s.getLocked(key)
	if !ok || !bytesEqual(cur, expected) {
		return false, nil
	}
	if ttl > 0 {
		s.setLocked(key, value, ttl)
	} else {
		// preserve remaining TTL
		e := s.entries[key]
		e.v = cloneBytes(value)
		s.entries[key] = e
	}
	return true, nil
}

func (s *Store) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, _ := s.getLocked(key)
	if !ok || !bytesEqual(cur, expected) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *Store) CompareAndExpire(_ context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, _ := s.getLocked(key)
	if !ok || !bytesEqual(cur, expected) {
		return false, nil
	}
	e := s.entries[key]
	e.exp = expAt(ttl)
	s.entries[key] = e
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, _ := s.getLocked(key); !ok {
		return false, nil
	}
	e := s.entries[key]
	e.exp = expAt(ttl)
	s.entries[key] = e
	return true, nil
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if cur, ok, _ := s.getLocked(key); ok {
		parsed, err := strconv.ParseInt(string(cur), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	e := s.entries[key]
	e.v = []byte(strconv.FormatInt(n, 10))
	s.entries[key] = e
	return n, nil
}

func (s *Store) SetAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SetRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *Store) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Tx(ctx context.Context, _ []string, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tx{s: s}
	if err := fn(t); err != nil {
		return err
	}
	for _, w := range t.writes {
		if w.del {
			delete(s.entries, w.key)
			continue
		}
		s.setLocked(w.key, w.value, w.ttl)
	}
	return nil
}

func (s *Store) Close(context.Context) error { return nil }

// Keys returns live keys with the given prefix. Test helper.
func (s *Store) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.entries {
		if _, ok, _ := s.getLocked(k); ok && strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func (s *Store) getLocked(key string) ([]byte, bool, error) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (s *Store) setLocked(key string, value []byte, ttl time.Duration) {
	s.entries[key] = entry{v: cloneBytes(value), exp: expAt(ttl)}
}

type stagedWrite struct {
	key   string
	value []byte
	ttl   time.Duration
	del   bool
}

type tx struct {
	s      *Store
	writes []stagedWrite
}

var _ store.Tx = (*tx)(nil)

func (t *tx) Get(_ context.Context, key string) ([]byte, bool, error) {
	return t.s.getLocked(key)
}

func (t *tx) Set(key string, value []byte, ttl time.Duration) {
	t.writes = append(t.writes, stagedWrite{key: key, value: cloneBytes(value), ttl: ttl})
}

func (t *tx) Delete(key string) {
	t.writes = append(t.writes, stagedWrite{key: key, del: true})
}

func expAt(ttl time.Duration) time.Time {
	if ttl > 0 {
		return time.Now().Add(ttl)
	}
	return time.Time{}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func bytesEqual(a, b []byte) bool {
	return string(a) == string(b)
}
