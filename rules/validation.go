package rules

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRule is wrapped by every authoring-time validation failure.
var ErrInvalidRule = errors.New("invalid rule")

// ValidationError pinpoints the offending part of a rule.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return e.Path + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRule }

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

const (
	maxNameLength      = 200
	maxAIContextLength = 4000
	maxLeafCount       = 500
)

// ValidateRule checks a rule before it is saved. Only rules that pass ever
// reach the evaluator.
func ValidateRule(r *Rule) error {
	if r == nil {
		return invalid("", "rule is nil")
	}
	if strings.TrimSpace(r.OrgID) == "" {
		return invalid("org_id", "is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name", "is required")
	}
	if len(r.Name) > maxNameLength {
		return invalid("name", "length %d exceeds maximum of %d", len(r.Name), maxNameLength)
	}
	if !r.Category.Valid() {
		return invalid("category", "unknown category %q", r.Category)
	}

	seen := make(map[InputSource]bool, len(r.InputSources))
	for i, src := range r.InputSources {
		if !src.Valid() {
			return invalid(fmt.Sprintf("input_sources[%d]", i), "unknown input source %q", src)
		}
		if seen[src] {
			return invalid(fmt.Sprintf("input_sources[%d]", i), "duplicate input source %q", src)
		}
		seen[src] = true
	}

	if !r.OutputAction.Valid() {
		return invalid("output_action", "unknown output action %q", r.OutputAction)
	}
	if len(r.AIContext) > maxAIContextLength {
		return invalid("ai_context", "length %d exceeds maximum of %d", len(r.AIContext), maxAIContextLength)
	}
	if r.Condition == nil {
		return invalid("condition", "is required")
	}
	return ValidateCondition(r.Condition)
}

// ValidateCondition checks structure, operators, value kinds and nesting depth.
func ValidateCondition(c *Condition) error {
	leaves := 0
	return validateNode(c, "condition", 1, &leaves)
}

func validateNode(c *Condition, path string, depth int, leaves *int) error {
	if depth > MaxConditionDepth {
		return &ValidationError{Path: path, Reason: ErrConditionTooDeep.Error() + fmt.Sprintf(" (%d)", MaxConditionDepth)}
	}
	if c == nil {
		return invalid(path, "condition is null")
	}

	switch c.Combinator {
	case CombinatorAll, CombinatorAny:
		if c.Field != "" || c.Operator != "" {
			return invalid(path, "combinator node cannot carry field or operator")
		}
		for i, child := range c.Children {
			if err := validateNode(child, fmt.Sprintf("%s.%s[%d]", path, c.Combinator, i), depth+1, leaves); err != nil {
				return err
			}
		}
		return nil
	case "":
		*leaves++
		if *leaves > maxLeafCount {
			return invalid(path, "condition has more than %d leaves", maxLeafCount)
		}
		return validateLeaf(c, path)
	default:
		return invalid(path, "unknown combinator %q", c.Combinator)
	}
}

func validateLeaf(c *Condition, path string) error {
	if err := validateFieldPath(c.Field); err != nil {
		return invalid(path+".field", "%v", err)
	}
	if !c.Operator.Known() {
		return invalid(path+".operator", "unknown operator %q", c.Operator)
	}

	kind := c.Value.Kind()
	switch c.Operator {
	case OpEquals, OpNotEquals:
		// any kind, including null
	case OpLessThan, OpGreaterThan, OpLessThanOrEqual, OpGreaterThanOrEqual:
		if kind != KindNumber {
			return invalid(path+".value", "operator %q requires a number, got %s", c.Operator, kind)
		}
	case OpContainsAny, OpContainsAll:
		items, ok := c.Value.Items()
		if !ok {
			return invalid(path+".value", "operator %q requires a list of strings, got %s", c.Operator, kind)
		}
		if len(items) == 0 {
			return invalid(path+".value", "operator %q requires a non-empty list", c.Operator)
		}
	case OpIsEmpty, OpIsNotEmpty:
		if kind != KindNull {
			return invalid(path+".value", "operator %q takes no value", c.Operator)
		}
	}
	return nil
}

func validateFieldPath(field string) error {
	if field == "" {
		return errors.New("field path cannot be empty")
	}
	for _, seg := range strings.Split(field, ".") {
		if seg == "" {
			return fmt.Errorf("field path %q has an empty segment", field)
		}
		if strings.TrimSpace(seg) != seg {
			return fmt.Errorf("field path %q has a segment with surrounding whitespace", field)
		}
	}
	return nil
}
