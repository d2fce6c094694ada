package store

import "go.mongodb.org/mongo-driver/v2/bson"

// NormalizeValue rewrites the BSON container types the driver decodes into
// (bson.D, bson.M, bson.A) as plain JSON-shaped values, recursively, so a
// stored document serializes back to the caller exactly as it came in.
// int32 widens to int64 so numeric values compare consistently regardless of
// how the server stored them.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case bson.D:
		m := make(map[string]any, len(t))
		for _, elem := range t {
			m[elem.Key] = NormalizeValue(elem.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(t))
		for key, value := range t {
			m[key] = NormalizeValue(value)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for key, value := range t {
			m[key] = NormalizeValue(value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = NormalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = NormalizeValue(item)
		}
		return out
	case int32:
		return int64(t)
	default:
		return v
	}
}

// NormalizeMap applies NormalizeValue to every value of a string-keyed map.
func NormalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		out[key] = NormalizeValue(value)
	}
	return out
}
