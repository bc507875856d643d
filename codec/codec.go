// Package codec provides deterministic serializers for values stored in the
// KV store and carried on the sync topic.
//
// Determinism is a contract here, not a nicety: the update engine performs
// compare-and-swap on serialized bytes, so encoding the same value twice MUST
// produce identical bytes (stable map key ordering, fixed numeric and
// timestamp encoding). Every codec in this package honors that.
package codec

// Codec encodes/decodes values V to []byte for storage.
// Encode must be deterministic: equal values yield equal bytes.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
