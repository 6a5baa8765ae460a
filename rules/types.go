package rules

import "time"

// Category classifies what a rule is for. It is metadata only.
type Category string

const (
	CategoryContentSuggestion      Category = "content_suggestion"
	CategoryInterventionAlert      Category = "intervention_alert"
	CategoryProviderRecommendation Category = "provider_recommendation"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryContentSuggestion, CategoryInterventionAlert, CategoryProviderRecommendation:
		return true
	}
	return false
}

// InputSource names a family of signals a rule declares it depends on.
// The evaluator never enforces it.
type InputSource string

const (
	SourceQuantitative InputSource = "quantitative"
	SourceQualitative  InputSource = "qualitative"
	SourceBehavioral   InputSource = "behavioral"
	SourceExplicit     InputSource = "explicit"
)

// Valid reports whether s is one of the known input sources.
func (s InputSource) Valid() bool {
	switch s {
	case SourceQuantitative, SourceQualitative, SourceBehavioral, SourceExplicit:
		return true
	}
	return false
}

// OutputAction is the closed set of follow-up actions a firing may dispatch.
type OutputAction string

const (
	ActionNotify           OutputAction = "notify"
	ActionSuggestForReview OutputAction = "suggest_for_review"
	ActionAutoEnroll       OutputAction = "auto_enroll"
)

// Valid reports whether a is one of the known output actions.
func (a OutputAction) Valid() bool {
	switch a {
	case ActionNotify, ActionSuggestForReview, ActionAutoEnroll:
		return true
	}
	return false
}

// Rule is an organization-owned trigger definition.
type Rule struct {
	ID                  string         `json:"id" yaml:"id"`
	OrgID               string         `json:"org_id" yaml:"org_id"`
	Name                string         `json:"name" yaml:"name"`
	Description         string         `json:"description,omitempty" yaml:"description,omitempty"`
	Category            Category       `json:"category" yaml:"category"`
	InputSources        []InputSource  `json:"input_sources,omitempty" yaml:"input_sources,omitempty"`
	Condition           *Condition     `json:"condition" yaml:"condition"`
	AIAnnotationEnabled bool           `json:"ai_annotation_enabled" yaml:"ai_annotation_enabled"`
	AIContext           string         `json:"ai_context,omitempty" yaml:"ai_context,omitempty"`
	OutputAction        OutputAction   `json:"output_action" yaml:"output_action"`
	OutputConfig        map[string]any `json:"output_config,omitempty" yaml:"output_config,omitempty"`
	CooldownHours       uint32         `json:"cooldown_hours" yaml:"cooldown_hours"`
	Active              bool           `json:"active" yaml:"active"`
	CreatedBy           string         `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt           time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time      `json:"updated_at" yaml:"-"`
}

// Cooldown returns the suppression window as a duration.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownHours) * time.Hour
}

// EvaluationResult contains the outcome of evaluating a rule against one snapshot.
type EvaluationResult struct {
	RuleID       string
	RuleName     string
	Matched      bool
	MatchedPaths []string
	Error        error
	Trace        *Trace
}

// DerivedField is a computed signal exposed to conditions at derived.<Name>.
type DerivedField struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"` // CEL expression over snapshot keys
}
