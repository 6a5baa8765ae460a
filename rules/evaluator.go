package rules

import (
	"errors"
	"fmt"
)

// MaxConditionDepth bounds condition nesting. Deeper trees are rejected at
// authoring time and refused by the evaluator.
const MaxConditionDepth = 32

// ErrConditionTooDeep is returned when a tree exceeds MaxConditionDepth.
var ErrConditionTooDeep = errors.New("condition exceeds maximum nesting depth")

// LeafResult records one leaf visited during evaluation.
type LeafResult struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Matched  bool     `json:"matched"`
	Missing  bool     `json:"missing,omitempty"`
}

// Trace is the explanation of one evaluation: every leaf actually visited,
// in visiting order. Leaves skipped by short-circuiting are absent.
type Trace struct {
	Matched bool         `json:"matched"`
	Leaves  []LeafResult `json:"leaves"`
}

// MatchedPaths returns the field paths of visited leaves that evaluated true.
func (t *Trace) MatchedPaths() []string {
	if t == nil {
		return nil
	}
	var out []string
	for _, l := range t.Leaves {
		if l.Matched {
			out = append(out, l.Field)
		}
	}
	return out
}

// Evaluate runs the condition tree against the snapshot and returns whether
// it matched plus the paths of the leaves that matched. It is pure.
func Evaluate(c *Condition, s Snapshot) (bool, []string, error) {
	tr, err := EvaluateTrace(c, s)
	if err != nil {
		return false, nil, err
	}
	return tr.Matched, tr.MatchedPaths(), nil
}

// EvaluateTrace is Evaluate with the full per-leaf trace.
func EvaluateTrace(c *Condition, s Snapshot) (*Trace, error) {
	if c == nil {
		return nil, errors.New("evaluate: nil condition")
	}
	tr := &Trace{}
	matched, err := evalNode(c, s, tr, 1)
	if err != nil {
		return nil, err
	}
	tr.Matched = matched
	return tr, nil
}

func evalNode(c *Condition, s Snapshot, tr *Trace, depth int) (bool, error) {
	if depth > MaxConditionDepth {
		return false, ErrConditionTooDeep
	}
	if c == nil {
		return false, errors.New("evaluate: nil child condition")
	}

	switch c.Combinator {
	case "":
		return evalLeaf(c, s, tr)

	case CombinatorAll:
		// Vacuously true when empty; stops at the first false child.
		for _, child := range c.Children {
			ok, err := evalNode(child, s, tr, depth+1)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case CombinatorAny:
		// False when empty; stops at the first true child.
		for _, child := range c.Children {
			ok, err := evalNode(child, s, tr, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("evaluate: unknown combinator %q", c.Combinator)
	}
}

func evalLeaf(c *Condition, s Snapshot, tr *Trace) (bool, error) {
	raw, found := s.Resolve(c.Field)
	if found && raw == nil {
		found = false
	}

	matched, err := compare(c.Operator, raw, found, c.Value)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.Field, err)
	}
	tr.Leaves = append(tr.Leaves, LeafResult{
		Field:    c.Field,
		Operator: c.Operator,
		Matched:  matched,
		Missing:  !found,
	})
	return matched, nil
}

// compare applies op to the resolved snapshot value. Missing data fails
// closed for every operator except the emptiness checks and equals-null.
func compare(op Operator, raw any, found bool, expected Value) (bool, error) {
	switch op {
	case OpIsEmpty:
		return isEmpty(raw, found), nil
	case OpIsNotEmpty:
		return !isEmpty(raw, found), nil
	}

	if !op.Known() {
		return false, fmt.Errorf("unknown operator %q", op)
	}

	if !found {
		return op == OpEquals && expected.IsNull(), nil
	}
	actual, ok := classify(raw)
	if !ok {
		return false, nil
	}

	switch op {
	case OpEquals:
		return actual.Equal(expected), nil
	case OpNotEquals:
		return !actual.Equal(expected), nil

	case OpLessThan, OpGreaterThan, OpLessThanOrEqual, OpGreaterThanOrEqual:
		a, ok := actual.Num()
		if !ok {
			return false, nil
		}
		e, ok := expected.Num()
		if !ok {
			return false, nil
		}
		switch op {
		case OpLessThan:
			return a < e, nil
		case OpGreaterThan:
			return a > e, nil
		case OpLessThanOrEqual:
			return a <= e, nil
		default:
			return a >= e, nil
		}

	case OpContainsAny, OpContainsAll:
		have, ok := actual.Items()
		if !ok {
			return false, nil
		}
		want, ok := expected.Items()
		if !ok {
			return false, nil
		}
		set := make(map[string]struct{}, len(have))
		for _, h := range have {
			set[h] = struct{}{}
		}
		if op == OpContainsAny {
			for _, w := range want {
				if _, ok := set[w]; ok {
					return true, nil
				}
			}
			return false, nil
		}
		for _, w := range want {
			if _, ok := set[w]; !ok {
				return false, nil
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func isEmpty(raw any, found bool) bool {
	if !found || raw == nil {
		return true
	}
	switch t := raw.(type) {
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}
