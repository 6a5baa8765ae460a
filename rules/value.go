package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueKind tags the concrete type held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindNumber
	KindString
	KindBool
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is the closed set of literals a leaf condition may compare against:
// number, string, boolean, list of strings, or null.
type Value struct {
	kind ValueKind
	num  float64
	str  string
	b    bool
	list []string
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List returns a list-of-strings value. The items are copied.
func List(items ...string) Value {
	cp := make([]string, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// Num returns the numeric payload and whether v is a number.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Str returns the string payload and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Boolean returns the boolean payload and whether v is a bool.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns a copy of the list payload and whether v is a list.
func (v Value) Items() ([]string, bool) {
	if v.kind != KindList {
		return nil, false
	}
	cp := make([]string, len(v.list))
	copy(cp, v.list)
	return cp, true
}

// Equal reports type-aware equality. Values of different kinds are never equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindNumber:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != o.list[i] {
				return false
			}
		}
		return true
	}
	return false
}

// Interface returns the plain Go representation used by the JSON and YAML codecs.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	case KindList:
		out := make([]string, len(v.list))
		copy(out, v.list)
		return out
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.str)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		return fmt.Sprintf("%q", v.list)
	}
	return "null"
}

// ValueOf converts a decoded literal into a Value. Maps, nested lists, lists
// with non-string elements and any other Go type are rejected.
func ValueOf(x any) (Value, error) {
	if v, ok := classify(x); ok {
		return v, nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T (want number, string, bool, list of strings or null)", x)
}

// classify maps snapshot and literal values onto a Value. The boolean result
// is false for anything outside the closed set.
func classify(x any) (Value, bool) {
	switch t := x.(type) {
	case nil:
		return Null(), true
	case Value:
		return t, true
	case bool:
		return Bool(t), true
	case string:
		return String(t), true
	case float64:
		if math.IsNaN(t) {
			return Value{}, false
		}
		return Number(t), true
	case float32:
		if math.IsNaN(float64(t)) {
			return Value{}, false
		}
		return Number(float64(t)), true
	case int:
		return Number(float64(t)), true
	case int8:
		return Number(float64(t)), true
	case int16:
		return Number(float64(t)), true
	case int32:
		return Number(float64(t)), true
	case int64:
		return Number(float64(t)), true
	case uint:
		return Number(float64(t)), true
	case uint8:
		return Number(float64(t)), true
	case uint16:
		return Number(float64(t)), true
	case uint32:
		return Number(float64(t)), true
	case uint64:
		return Number(float64(t)), true
	case json.Number:
		f, err := t.Float64()
		if err != nil || math.IsNaN(f) {
			return Value{}, false
		}
		return Number(f), true
	case []string:
		return List(t...), true
	case []any:
		items := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return Value{}, false
			}
			items = append(items, s)
		}
		return Value{kind: KindList, list: items}, true
	}
	return Value{}, false
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
