// Package memory is an in-memory docstore.Store for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/unkn0wn-root/profsync/docstore"
)

type document struct {
	version uint64
	fields  map[string]any
}

type Store struct {
	mu   sync.Mutex
	docs map[string]*document
}

var _ docstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{docs: make(map[string]*document)}
}

func (s *Store) UpdateIfVersion(_ context.Context, identity string, expectedVersion uint64, u docstore.Update) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[identity]
	if !ok {
		if expectedVersion != 0 {
			return 0, nil
		}
		doc = &document{fields: make(map[string]any)}
		s.docs[identity] = doc
	} else if doc.version != expectedVersion {
		return 0, nil
	}

	for k, v := range u.Fields {
		doc.fields[k] = v
	}
	for k, add := range u.AddToSets {
		doc.fields[k] = mergeSet(asSet(doc.fields[k]), add, nil)
	}
	for k, rem := range u.RemoveFromSets {
		doc.fields[k] = mergeSet(asSet(doc.fields[k]), nil, rem)
	}
	doc.version = expectedVersion + 1
	return 1, nil
}

func (s *Store) Version(_ context.Context, identity string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[identity]
	if !ok {
		return 0, false, nil
	}
	return doc.version, true, nil
}

// Fields returns a copy of the stored fields. Test helper.
func (s *Store) Fields(identity string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[identity]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(doc.fields))
	for k, v := range doc.fields {
		out[k] = v
	}
	return out, true
}

func asSet(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func mergeSet(cur, add, remove []string) []string {
	set := make(map[string]struct{}, len(cur)+len(add))
	for _, e := range cur {
		set[e] = struct{}{}
	}
	for _, e := range add {
		set[e] = struct{}{}
	}
	for _, e := range remove {
		delete(set, e)
	}
	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
