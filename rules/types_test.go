package rules

import (
	"testing"
	"time"
)

func TestEnumValidity(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{string(CategoryContentSuggestion), CategoryContentSuggestion.Valid()},
		{string(CategoryInterventionAlert), CategoryInterventionAlert.Valid()},
		{string(CategoryProviderRecommendation), CategoryProviderRecommendation.Valid()},
		{string(SourceQuantitative), SourceQuantitative.Valid()},
		{string(SourceQualitative), SourceQualitative.Valid()},
		{string(SourceBehavioral), SourceBehavioral.Valid()},
		{string(SourceExplicit), SourceExplicit.Valid()},
		{string(ActionNotify), ActionNotify.Valid()},
		{string(ActionSuggestForReview), ActionSuggestForReview.Valid()},
		{string(ActionAutoEnroll), ActionAutoEnroll.Valid()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.valid {
				t.Errorf("%s should be valid", tt.name)
			}
		})
	}

	if Category("marketing").Valid() {
		t.Error("unknown category should be invalid")
	}
	if InputSource("").Valid() {
		t.Error("empty input source should be invalid")
	}
	if OutputAction("recommend_provider").Valid() {
		t.Error("unknown output action should be invalid")
	}
}

func TestRuleCooldown(t *testing.T) {
	tests := []struct {
		hours uint32
		want  time.Duration
	}{
		{0, 0},
		{1, time.Hour},
		{24, 24 * time.Hour},
		{168, 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		r := &Rule{CooldownHours: tt.hours}
		if got := r.Cooldown(); got != tt.want {
			t.Errorf("Cooldown() with %d hours = %v, want %v", tt.hours, got, tt.want)
		}
	}
}

func TestRuleClone(t *testing.T) {
	orig := &Rule{
		ID:           "r1",
		InputSources: []InputSource{SourceBehavioral},
		OutputConfig: map[string]any{"recipient_roles": []any{"counselor"}},
	}

	cp := orig.Clone()
	cp.InputSources[0] = SourceExplicit
	cp.OutputConfig["recipient_roles"].([]any)[0] = "homeroom"
	cp.Name = "changed"

	if orig.InputSources[0] != SourceBehavioral {
		t.Error("Clone shares InputSources with the original")
	}
	if orig.OutputConfig["recipient_roles"].([]any)[0] != "counselor" {
		t.Error("Clone shares OutputConfig with the original")
	}
	if orig.Name != "" {
		t.Error("Clone shares scalar fields with the original")
	}

	var nilRule *Rule
	if nilRule.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
