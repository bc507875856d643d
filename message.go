package profsync

// Priority selects the synchronization path for a message.
type Priority string

const (
	// PriorityImmediate marks fields whose staleness is operationally
	// unacceptable; conflicts on this path are retried once and then alerted.
	PriorityImmediate Priority = "IMMEDIATE"

	// PriorityBatch marks deferred, best-effort synchronization; conflicts
	// are logged and dropped.
	PriorityBatch Priority = "BATCH"
)

// SyncMessage is the payload carried on the sync topic, keyed by identity for
// partition affinity.
//
// Version must equal the document store's last known version for the identity
// plus one; the consumer enforces this with a conditional update.
type SyncMessage struct {
	Identity  string   `json:"identity" msgpack:"identity"`
	Priority  Priority `json:"priority" msgpack:"priority"`
	Version   uint64   `json:"version" msgpack:"version"`
	Timestamp int64    `json:"timestamp" msgpack:"timestamp"` // unix ms

	// Incremental field updates partitioned by logical section
	// (e.g. "static", "dynamic", "behavioral").
	Sections map[string]map[string]any `json:"sections,omitempty" msgpack:"sections,omitempty"`

	// Membership deltas for tag-like fields.
	SetAdds    map[string][]string `json:"set_adds,omitempty" msgpack:"set_adds,omitempty"`
	SetRemoves map[string][]string `json:"set_removes,omitempty" msgpack:"set_removes,omitempty"`
}

// FlatFields collapses all sections into one field map.
func (m *SyncMessage) FlatFields() map[string]any {
	out := make(map[string]any)
	for _, sec := range m.Sections {
		for k, v := range sec {
			out[k] = v
		}
	}
	return out
}
