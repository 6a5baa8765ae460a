package rules

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var comparisonOps = []any{
	OpEquals, OpNotEquals,
	OpLessThan, OpGreaterThan, OpLessThanOrEqual, OpGreaterThanOrEqual,
	OpContainsAny, OpContainsAll,
}

func genSignal() gopter.Gen {
	return gen.OneGenOf(
		gen.Float64Range(-100, 100),
		gen.AlphaString(),
		gen.Bool(),
		gen.SliceOf(gen.AlphaString()),
	)
}

// leafFor builds a leaf whose rule value has the kind op expects.
func leafFor(field string, op Operator, num float64, items []string) *Condition {
	switch op {
	case OpLessThan, OpGreaterThan, OpLessThanOrEqual, OpGreaterThanOrEqual:
		return Leaf(field, op, Number(num))
	case OpContainsAny, OpContainsAll:
		return Leaf(field, op, List(append([]string{"x"}, items...)...))
	}
	if len(items) > 0 {
		return Leaf(field, op, String(items[0]))
	}
	return Leaf(field, op, Number(num))
}

func TestEvaluateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(signal any, op Operator, num float64, items []string) bool {
			s := NewSnapshot(map[string]any{"v": signal, "w": map[string]any{"v": signal}})
			c := AnyOf(AllOf(leafFor("v", op, num, items), leafFor("w.v", op, num, items)), leafFor("v", op, -num, items))

			m1, p1, err1 := Evaluate(c, s)
			m2, p2, err2 := Evaluate(c, s)
			return m1 == m2 && reflect.DeepEqual(p1, p2) && err1 == nil && err2 == nil
		},
		genSignal(),
		gen.OneConstOf(comparisonOps...),
		gen.Float64Range(-100, 100),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("is_not_empty negates is_empty", prop.ForAll(
		func(signal any, present bool) bool {
			data := map[string]any{}
			if present {
				data["v"] = signal
			}
			s := NewSnapshot(data)
			empty, _, err1 := Evaluate(Leaf("v", OpIsEmpty, Null()), s)
			notEmpty, _, err2 := Evaluate(Leaf("v", OpIsNotEmpty, Null()), s)
			return err1 == nil && err2 == nil && empty != notEmpty
		},
		genSignal(),
		gen.Bool(),
	))

	properties.Property("missing fields fail every comparison", prop.ForAll(
		func(signal any, op Operator, num float64, items []string) bool {
			s := NewSnapshot(map[string]any{"present": signal})
			for _, path := range []string{"absent", "present.child", "absent.deeper.path"} {
				matched, _, err := Evaluate(leafFor(path, op, num, items), s)
				if err != nil || matched {
					return false
				}
			}
			return true
		},
		genSignal(),
		gen.OneConstOf(comparisonOps...),
		gen.Float64Range(-100, 100),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("empty all is true and empty any is false", prop.ForAll(
		func(signal any) bool {
			s := NewSnapshot(map[string]any{"v": signal})
			all, _, _ := Evaluate(AllOf(), s)
			anyOf, _, _ := Evaluate(AnyOf(), s)
			return all && !anyOf
		},
		genSignal(),
	))

	properties.Property("combinators agree with their children", prop.ForAll(
		func(signal any, ops []Operator, num float64) bool {
			s := NewSnapshot(map[string]any{"v": signal})
			children := make([]*Condition, 0, len(ops))
			every, some := true, false
			for _, op := range ops {
				leaf := leafFor("v", op, num, []string{"a"})
				m, _, err := Evaluate(leaf, s)
				if err != nil {
					return false
				}
				every = every && m
				some = some || m
				children = append(children, leaf)
			}
			all, _, err1 := Evaluate(AllOf(children...), s)
			anyOf, _, err2 := Evaluate(AnyOf(children...), s)
			return err1 == nil && err2 == nil && all == every && anyOf == some
		},
		genSignal(),
		gen.SliceOf(gen.OneConstOf(comparisonOps...)),
		gen.Float64Range(-100, 100),
	))

	properties.TestingRun(t)
}
