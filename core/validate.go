package core

import (
	"encoding/hex"
	"encoding/json"
)

// Validation primitives. Each returns nil on success or a
// *RequestCorrupted describing the violation. Assertion failure here is
// never recoverable within a session: callers must propagate the error so
// the session gets closed.

// isInteger reports whether v decodes as a JSON number with no fractional part.
func isInteger(v any) bool {
	switch n := v.(type) {
	case float64:
		return n == float64(int64(n))
	case json.Number:
		_, err := n.Int64()
		return err == nil
	case int, int32, int64, uint, uint32, uint64:
		return true
	default:
		return false
	}
}

func assertInteger(field string, v any) error {
	if !isInteger(v) {
		return NewRequestCorrupted("field %q is not an integer", field)
	}
	return nil
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func assertNonNegativeInteger(field string, v any) error {
	if err := assertInteger(field, v); err != nil {
		return err
	}
	f, _ := asFloat64(v)
	if f < 0 {
		return NewRequestCorrupted("field %q is a negative integer: %v", field, v)
	}
	return nil
}

func isHexString(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func assertHexString(field, s string) error {
	if !isHexString(s) {
		return NewRequestCorrupted("field %q is not a valid hex string", field)
	}
	return nil
}

// isHash256Hex reports whether s is exactly 64 hex characters (32 bytes).
func isHash256Hex(s string) bool {
	return len(s) == 64 && isHexString(s)
}

func assertHash256Hex(field, s string) error {
	if !isHash256Hex(s) {
		return NewRequestCorrupted("field %q is not a 32-byte hash in hex", field)
	}
	return nil
}

func isIntOrFloat(v any) bool {
	_, ok := asFloat64(v)
	return ok
}

func assertIntOrFloat(field string, v any) error {
	if !isIntOrFloat(v) {
		return NewRequestCorrupted("field %q is not numeric", field)
	}
	return nil
}

func assertNonNegativeIntOrFloat(field string, v any) error {
	if err := assertIntOrFloat(field, v); err != nil {
		return err
	}
	f, _ := asFloat64(v)
	if f < 0 {
		return NewRequestCorrupted("field %q is negative: %v", field, v)
	}
	return nil
}

// dictContainsField returns the field's value from m, or an error if absent.
func dictContainsField(m map[string]any, field string) (any, error) {
	v, ok := m[field]
	if !ok {
		return nil, NewRequestCorrupted("response missing field %q", field)
	}
	return v, nil
}

func assertListOrTuple(field string, v any) ([]any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, NewRequestCorrupted("field %q is not a list", field)
	}
	return list, nil
}

// asDict asserts v decodes to a JSON object.
func asDict(field string, v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, NewRequestCorrupted("field %q is not an object", field)
	}
	return m, nil
}

func asString(field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", NewRequestCorrupted("field %q is not a string", field)
	}
	return s, nil
}
