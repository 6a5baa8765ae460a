package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk form of an organization's rule set, used by the
// replay tool and for seeding.
type RuleFile struct {
	OrgID   string         `json:"org_id" yaml:"org_id"`
	Derived []DerivedField `json:"derived,omitempty" yaml:"derived,omitempty"`
	Rules   []*Rule        `json:"rules" yaml:"rules"`
}

// ParseRuleFile decodes a rule file. format is "json" or "yaml". Every rule
// inherits the file's org_id when it has none and is validated.
func ParseRuleFile(data []byte, format string) (*RuleFile, error) {
	var f RuleFile
	switch format {
	case "json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to decode rule file: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to decode rule file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rule file format %q", format)
	}

	for i, r := range f.Rules {
		if r == nil {
			return nil, fmt.Errorf("rules[%d]: rule is empty", i)
		}
		if r.OrgID == "" {
			r.OrgID = f.OrgID
		}
		if err := ValidateRule(r); err != nil {
			return nil, fmt.Errorf("rules[%d] (%s): %w", i, r.ID, err)
		}
	}
	return &f, nil
}

// LoadRuleFile reads and parses a rule file, picking the format from the
// extension.
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRuleFile(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
}

// EncodeYAML renders the file in YAML.
func (f *RuleFile) EncodeYAML() ([]byte, error) {
	return yaml.Marshal(f)
}
