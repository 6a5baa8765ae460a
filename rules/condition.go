package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Combinator joins child conditions.
type Combinator string

const (
	CombinatorAll Combinator = "all"
	CombinatorAny Combinator = "any"
)

// Operator is a leaf comparison.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpLessThan           Operator = "less_than"
	OpGreaterThan        Operator = "greater_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpContainsAny        Operator = "contains_any"
	OpContainsAll        Operator = "contains_all"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
)

// Known reports whether op is a supported operator.
func (op Operator) Known() bool {
	switch op {
	case OpEquals, OpNotEquals,
		OpLessThan, OpGreaterThan, OpLessThanOrEqual, OpGreaterThanOrEqual,
		OpContainsAny, OpContainsAll,
		OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// Unary reports whether op ignores the rule value.
func (op Operator) Unary() bool {
	return op == OpIsEmpty || op == OpIsNotEmpty
}

// Condition is a node of a condition tree: either a combinator with children
// or a leaf comparing the snapshot value at Field against Value.
type Condition struct {
	Combinator Combinator
	Children   []*Condition

	Field    string
	Operator Operator
	Value    Value
}

// AllOf builds an ALL combinator node.
func AllOf(children ...*Condition) *Condition {
	return &Condition{Combinator: CombinatorAll, Children: children}
}

// AnyOf builds an ANY combinator node.
func AnyOf(children ...*Condition) *Condition {
	return &Condition{Combinator: CombinatorAny, Children: children}
}

// Leaf builds a leaf comparison node.
func Leaf(field string, op Operator, value Value) *Condition {
	return &Condition{Field: field, Operator: op, Value: value}
}

// IsLeaf reports whether c is a leaf comparison.
func (c *Condition) IsLeaf() bool {
	return c.Combinator == ""
}

// Depth returns the number of levels in the tree. A single leaf has depth 1.
func (c *Condition) Depth() int {
	if c == nil {
		return 0
	}
	if c.IsLeaf() {
		return 1
	}
	deepest := 0
	for _, child := range c.Children {
		if d := child.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// Fields lists the field paths referenced by the tree in depth-first order.
func (c *Condition) Fields() []string {
	var out []string
	var walk func(n *Condition)
	walk = func(n *Condition) {
		if n == nil {
			return
		}
		if n.IsLeaf() {
			out = append(out, n.Field)
			return
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(c)
	return out
}

// toAny renders the node in its portable form:
// {"all": [...]}, {"any": [...]} or {"field", "operator", "value"}.
func (c *Condition) toAny() map[string]any {
	if c.IsLeaf() {
		m := map[string]any{
			"field":    c.Field,
			"operator": string(c.Operator),
		}
		if !c.Operator.Unary() || !c.Value.IsNull() {
			m["value"] = c.Value.Interface()
		}
		return m
	}
	children := make([]any, 0, len(c.Children))
	for _, child := range c.Children {
		children = append(children, child.toAny())
	}
	return map[string]any{string(c.Combinator): children}
}

// conditionFromAny parses the portable form produced by json or yaml decoding.
func conditionFromAny(raw any, path string) (*Condition, error) {
	m, ok := asStringMap(raw)
	if !ok {
		return nil, fmt.Errorf("%s: condition must be an object, got %T", path, raw)
	}

	for _, comb := range []Combinator{CombinatorAll, CombinatorAny} {
		rawChildren, ok := m[string(comb)]
		if !ok {
			continue
		}
		if len(m) != 1 {
			return nil, fmt.Errorf("%s: combinator node must only contain %q, got keys %v", path, comb, sortedKeys(m))
		}
		list, ok := rawChildren.([]any)
		if !ok && rawChildren != nil {
			return nil, fmt.Errorf("%s.%s: children must be a list, got %T", path, comb, rawChildren)
		}
		node := &Condition{Combinator: comb, Children: make([]*Condition, 0, len(list))}
		for i, rc := range list {
			child, err := conditionFromAny(rc, fmt.Sprintf("%s.%s[%d]", path, comb, i))
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil
	}

	for k := range m {
		switch k {
		case "field", "operator", "value":
		default:
			return nil, fmt.Errorf("%s: unknown key %q in leaf condition", path, k)
		}
	}
	field, ok := m["field"].(string)
	if !ok {
		return nil, fmt.Errorf("%s: leaf condition requires a string \"field\"", path)
	}
	op, ok := m["operator"].(string)
	if !ok {
		return nil, fmt.Errorf("%s: leaf condition requires a string \"operator\"", path)
	}
	value, err := ValueOf(m["value"])
	if err != nil {
		return nil, fmt.Errorf("%s.value: %w", path, err)
	}
	return &Condition{Field: field, Operator: Operator(op), Value: value}, nil
}

func asStringMap(raw any) (map[string]any, bool) {
	switch t := raw.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = v
		}
		return out, true
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseCondition decodes a JSON encoded condition tree.
func ParseCondition(data []byte) (*Condition, error) {
	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// MarshalJSON implements json.Marshaler.
func (c *Condition) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	return json.Marshal(c.toAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := conditionFromAny(raw, "condition")
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (c *Condition) MarshalYAML() (any, error) {
	if c == nil {
		return nil, nil
	}
	return c.toAny(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := conditionFromAny(raw, "condition")
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}
