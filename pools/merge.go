package pools

// DeepMerge returns a new map holding base overlaid with override. Nested maps
// are merged key by key, any other override value replaces the base value.
// Neither input is modified.
func DeepMerge(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for key, value := range base {
		merged[key] = copyValue(value)
	}
	for key, value := range override {
		if overrideMap, ok := value.(map[string]any); ok {
			if baseMap, ok := merged[key].(map[string]any); ok {
				merged[key] = DeepMerge(baseMap, overrideMap)
				continue
			}
		}
		merged[key] = copyValue(value)
	}
	return merged
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return DeepMerge(nil, v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
