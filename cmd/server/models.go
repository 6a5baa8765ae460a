package main

import (
	"github.com/fulcrum-co/pulse-laravel-sub005/multitenantengine"
	"github.com/fulcrum-co/pulse-laravel-sub005/outcome"
	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
	"github.com/fulcrum-co/pulse-laravel-sub005/runner"
)

// API request and response models

// CreateOrgRequest represents the request body for creating an organization
type CreateOrgRequest struct {
	Name    string                   `json:"name" example:"Lincoln High"`
	Schema  multitenantengine.Schema `json:"schema"`
	Derived []rules.DerivedField     `json:"derived,omitempty"`
}

// OrgResponse represents an organization in API responses
type OrgResponse struct {
	ID           string `json:"id" example:"0190f5c2-7a1e-7c3a-9d7e-3f1b2c4d5e6f"`
	Name         string `json:"name" example:"Lincoln High"`
	Categories   int    `json:"categories"`
	DerivedCount int    `json:"derived_count"`
}

type OrgsListResponse struct {
	Orgs []OrgResponse `json:"orgs"`
}

// SchemaRequest replaces an organization's signal schema and derived fields
type SchemaRequest struct {
	Definition multitenantengine.Schema `json:"definition"`
	Derived    []rules.DerivedField     `json:"derived,omitempty"`
}

type SchemaResponse struct {
	OrgID      string                   `json:"org_id"`
	Definition multitenantengine.Schema `json:"definition"`
	Derived    []rules.DerivedField     `json:"derived"`
	Status     string                   `json:"status,omitempty" example:"active"`
}

type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// DeleteRuleResponse reports whether a rule with firing history was
// deactivated instead of deleted
type DeleteRuleResponse struct {
	ID          string `json:"id"`
	Deleted     bool   `json:"deleted"`
	Deactivated bool   `json:"deactivated"`
}

// EvaluateRequest evaluates a snapshot against the active rules without
// firing anything
type EvaluateRequest struct {
	Snapshot rules.Snapshot `json:"snapshot"`
	RuleIDs  []string       `json:"rules,omitempty"`
}

type EvaluationResultResponse struct {
	RuleID       string   `json:"rule_id"`
	RuleName     string   `json:"rule_name"`
	Matched      bool     `json:"matched"`
	MatchedPaths []string `json:"matched_paths,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type EvaluateResponse struct {
	Results        []EvaluationResultResponse `json:"results"`
	EvaluationTime string                     `json:"evaluation_time" example:"2.3ms"`
}

// RunRequest is the body of a live batch run
type RunRequest struct {
	Contacts []runner.Contact `json:"contacts"`
}

// ReplayRequest is the body of a replay. Live replays consume cooldowns and
// dispatch like a run.
type ReplayRequest struct {
	Contacts []runner.Contact `json:"contacts"`
	RuleIDs  []string         `json:"rules,omitempty"`
	Live     bool             `json:"live"`
}

type OutcomesResponse struct {
	Outcomes []*outcome.Outcome `json:"outcomes"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"invalid rule"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status     string           `json:"status" example:"healthy"`
	OrgsLoaded int              `json:"orgs_loaded"`
	Counters   map[string]int64 `json:"counters"`
	Error      string           `json:"error,omitempty"`
}
