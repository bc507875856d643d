package codec

import "encoding/json"

// JSON serializes with encoding/json. Deterministic: struct fields encode in
// declaration order and map keys are sorted.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
