package multitenantengine

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
)

const (
	maxCategories       = 100
	maxFieldsPerSection = 200
	maxIdentifierLength = 100
	maxDerivedFields    = 50
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// signalTypes are the value kinds a schema field may declare. Matching is
// case-sensitive.
var signalTypes = setOf("number", "string", "bool", "list", "map")

// reservedWords cannot name a category, field or derived signal because
// they would shadow CEL literals or keywords inside expressions.
var reservedWords = setOf(
	"true", "false", "null",
	"if", "else", "for", "while", "break", "continue", "return",
	"var", "let", "const", "function",
	"in", "as", "import", "package", "namespace", "loop", "void",
)

// SchemaError locates a schema problem. Field is empty when the problem is
// with the category itself.
type SchemaError struct {
	Category string
	Field    string
	Err      error
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("category %q: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("category %q field %q: %v", e.Category, e.Field, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ValidateSchema checks an organization's signal schema. Categories and
// fields are visited in name order so the reported problem is stable.
func ValidateSchema(schema Schema) error {
	switch {
	case len(schema) == 0:
		return errors.New("schema cannot be empty, must contain at least one signal category")
	case len(schema) > maxCategories:
		return fmt.Errorf("schema contains %d categories, maximum allowed is %d", len(schema), maxCategories)
	}

	for _, category := range sortedKeys(schema) {
		if err := validateCategory(category, schema[category]); err != nil {
			return err
		}
	}
	return nil
}

func validateCategory(category string, fields map[string]string) error {
	fail := func(field string, err error) error {
		return &SchemaError{Category: category, Field: field, Err: err}
	}

	if err := validateIdentifier(category); err != nil {
		return fail("", err)
	}
	if category == rules.DerivedPrefix {
		return fail("", errors.New("name is reserved for derived signals"))
	}
	if len(fields) == 0 {
		return fail("", errors.New("must contain at least one field"))
	}
	if len(fields) > maxFieldsPerSection {
		return fail("", fmt.Errorf("contains %d fields, maximum allowed is %d", len(fields), maxFieldsPerSection))
	}

	for _, field := range sortedKeys(fields) {
		if err := validateIdentifier(field); err != nil {
			return fail(field, err)
		}
		if err := validateSignalType(fields[field]); err != nil {
			return fail(field, err)
		}
	}
	return nil
}

func validateSignalType(typeName string) error {
	switch {
	case typeName == "":
		return errors.New("type name is empty")
	case strings.TrimSpace(typeName) != typeName:
		return fmt.Errorf("type %q has leading or trailing whitespace", typeName)
	case !signalTypes[typeName]:
		return fmt.Errorf("invalid type %q (must be one of: number, string, bool, list, map)", typeName)
	}
	return nil
}

// ValidateDerived checks the parts of derived field definitions that do
// not need a CEL environment. Expressions are compiled by the engine.
func ValidateDerived(fields []rules.DerivedField) error {
	if len(fields) > maxDerivedFields {
		return fmt.Errorf("%d derived fields defined, maximum allowed is %d", len(fields), maxDerivedFields)
	}

	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if err := validateIdentifier(f.Name); err != nil {
			return fmt.Errorf("invalid derived field name %q: %w", f.Name, err)
		}
		if seen[f.Name] {
			return fmt.Errorf("derived field %q is defined more than once", f.Name)
		}
		seen[f.Name] = true
		if strings.TrimSpace(f.Expression) == "" {
			return fmt.Errorf("derived field %q has an empty expression", f.Name)
		}
	}
	return nil
}

func validateIdentifier(name string) error {
	switch {
	case name == "":
		return errors.New("identifier cannot be empty")
	case len(name) > maxIdentifierLength:
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	case !identifierPattern.MatchString(name):
		return fmt.Errorf("identifier %q must start with a letter or underscore and contain only letters, digits or underscores", name)
	case reservedWords[name]:
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
