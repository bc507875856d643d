package profsync

import (
	"sort"
	"time"
)

// Operation kinds recorded in Metadata.LastOp.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpBatch  = "batch"
	OpForce  = "force"
)

// Metadata carries write provenance. Advisory only - never consulted for
// correctness.
type Metadata struct {
	LastSource  string `json:"last_source,omitempty" msgpack:"last_source,omitempty"`
	PrevSource  string `json:"prev_source,omitempty" msgpack:"prev_source,omitempty"`
	LastOp      string `json:"last_op,omitempty" msgpack:"last_op,omitempty"`
	UpdateCount uint64 `json:"update_count,omitempty" msgpack:"update_count,omitempty"`
}

// Record is a versioned attribute bag for one identity.
//
// Version starts at 1 on creation and increments by exactly 1 on every
// successful update; it never decreases and never skips except under
// Engine.ForceUpdate. A record's version and attributes are always written in
// one atomic store operation, so readers never observe a version paired with
// another write's attributes.
//
// Timestamps are unix milliseconds: fixed precision keeps the serialized form
// deterministic. Invariant: UpdatedAt >= CreatedAt.
type Record struct {
	Attributes map[string]any `json:"attributes" msgpack:"attributes"`
	Version    uint64         `json:"version" msgpack:"version"`
	CreatedAt  int64          `json:"created_at" msgpack:"created_at"`
	UpdatedAt  int64          `json:"updated_at" msgpack:"updated_at"`
	Metadata   Metadata       `json:"metadata" msgpack:"metadata"`
}

// SetOp expresses add/remove membership changes for a tag-like attribute
// (a slice of strings). Passing a SetOp as a field update merges with the
// existing members instead of replacing the value.
type SetOp struct {
	Add    []string
	Remove []string
}

// NewRecord returns an empty record at version 1.
func NewRecord(now time.Time) *Record {
	ms := now.UnixMilli()
	return &Record{
		Attributes: make(map[string]any),
		Version:    1,
		CreatedAt:  ms,
		UpdatedAt:  ms,
	}
}

// Clone deep-copies the record so a CAS attempt never mutates the value a
// concurrent reader may hold.
func (r *Record) Clone() *Record {
	out := *r
	out.Attributes = make(map[string]any, len(r.Attributes))
	for k, v := range r.Attributes {
		out.Attributes[k] = cloneValue(v)
	}
	return &out
}

// applyFields merges field updates into the attribute map. SetOp values merge
// string-set membership; everything else replaces. Members are kept sorted and
// deduplicated so the serialized form stays deterministic.
func (r *Record) applyFields(fields map[string]any) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if op, ok := v.(SetOp); ok {
			r.Attributes[k] = applySetOp(r.Attributes[k], op)
			continue
		}
		r.Attributes[k] = cloneValue(v)
	}
}

// touch advances the version and provenance for a successful write.
func (r *Record) touch(source, op string, now time.Time) {
	r.Version++
	r.UpdatedAt = now.UnixMilli()
	if r.UpdatedAt < r.CreatedAt {
		r.UpdatedAt = r.CreatedAt
	}
	r.Metadata.PrevSource = r.Metadata.LastSource
	r.Metadata.LastSource = source
	r.Metadata.LastOp = op
	r.Metadata.UpdateCount++
}

// stamp records provenance without a version bump; used at creation where the
// record is already at version 1.
func (r *Record) stamp(source, op string) {
	r.Metadata.LastSource = source
	r.Metadata.LastOp = op
	r.Metadata.UpdateCount++
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

func applySetOp(existing any, op SetOp) []string {
	set := make(map[string]struct{})
	for _, m := range toStringSlice(existing) {
		set[m] = struct{}{}
	}
	for _, m := range op.Add {
		set[m] = struct{}{}
	}
	for _, m := range op.Remove {
		delete(set, m)
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// toStringSlice accepts both []string and the []any shape codecs produce
// after a decode round-trip.
func toStringSlice(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
