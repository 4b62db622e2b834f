package inventory

import (
	"reflect"
)

// ContainsData reports whether data holds every key of subset with an equal
// value. Numbers compare numerically whatever their Go type, nested maps are
// matched recursively the way a jsonb containment query does.
func ContainsData(data map[string]any, subset map[string]any) bool {
	for key, want := range subset {
		got, ok := data[key]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two decoded JSON-ish values.
func ValuesEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		return ok && len(am) == len(bm) && ContainsData(am, bm)
	}
	if as, ok := a.([]any); ok {
		bs, ok := b.([]any)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !ValuesEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
