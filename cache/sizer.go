package cache

import "encoding/json"

// primitiveSize is the fixed size charged for primitive values; exact
// accounting is not worth the bookkeeping for values this small.
const primitiveSize = 8

// fallbackSize is charged when a value cannot be serialized for estimation.
const fallbackSize = 64

// SizeFunc estimates the byte size of a value for budget accounting. The
// estimate is an approximation, not an exact measurement, and is pluggable
// because payload shapes vary by caller.
type SizeFunc func(v any) int64

// DefaultSize estimates byte-serializable payloads by their byte length,
// primitives by a fixed small constant, and everything else by the length of
// its JSON encoding.
func DefaultSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return primitiveSize
	case []byte:
		return int64(len(x))
	case string:
		return int64(len(x))
	case json.RawMessage:
		return int64(len(x))
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return primitiveSize
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fallbackSize
		}
		return int64(len(data))
	}
}
