package coordinator

import (
	"encoding/json"
	"sort"
)

// canonicalKey serialises v to a deterministic JSON string (map keys
// sorted) so equal results compare equal under the Consensus strategy's
// majority rule, regardless of original key insertion order.
func canonicalKey(v any) string {
	b, err := json.Marshal(canonicalize(v))
	if err != nil {
		return ""
	}
	return string(b)
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			ordered = append(ordered, k, canonicalize(t[k]))
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}
