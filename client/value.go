package client

import "math"

// Value is a scalar tag value: bool or float64. Numeric variants read off the
// wire are normalized to float64 before they reach consumers.
type Value any

// Numeric writes confirm within this tolerance; exact float equality can fail
// to ever confirm across wire-representation round trips.
const floatTolerance = 1e-6

func equalValues(a, b Value) bool {
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && math.Abs(av-bv) <= floatTolerance
	}
	return false
}

// normalizeValue coerces a decoded variant value to one of the two scalar
// kinds. ok is false for value types the panel has no use for (strings,
// arrays, null).
func normalizeValue(v any) (Value, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return nil, false
}

// validValue reports whether a caller-supplied write value is one of the
// scalar kinds the server side accepts.
func validValue(v Value) bool {
	switch v.(type) {
	case bool, float64:
		return true
	}
	return false
}
