package rules

import (
	"encoding/json"
	"strings"
)

// Snapshot is the point-in-time signal map for one contact. It is never
// mutated after construction; With returns a new snapshot.
type Snapshot struct {
	data map[string]any
}

// NewSnapshot wraps a nested map of signals. The map is deep-copied so later
// changes by the caller are not observed.
func NewSnapshot(data map[string]any) Snapshot {
	return Snapshot{data: deepCopyMap(data)}
}

// ParseSnapshot decodes a JSON object into a snapshot.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{data: m}, nil
}

// Resolve walks a dotted path. found is false when any segment is absent or
// an intermediate value is not a map; this is the "missing" state, not an error.
func (s Snapshot) Resolve(path string) (value any, found bool) {
	if path == "" || s.data == nil {
		return nil, false
	}
	var cur any = s.data
	for _, seg := range strings.Split(path, ".") {
		m, ok := asStringMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Map returns a deep copy of the underlying data.
func (s Snapshot) Map() map[string]any {
	return deepCopyMap(s.data)
}

// With returns a copy of s with value stored at the dotted path, creating
// intermediate maps as needed.
func (s Snapshot) With(path string, value any) Snapshot {
	out := deepCopyMap(s.data)
	if out == nil {
		out = make(map[string]any)
	}
	segs := strings.Split(path, ".")
	cur := out
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
	return Snapshot{data: out}
}

// MarshalJSON implements json.Marshaler.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.data)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.data = m
	return nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case map[any]any:
		if m, ok := asStringMap(t); ok {
			return deepCopyMap(m)
		}
		return t
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	}
	return v
}
