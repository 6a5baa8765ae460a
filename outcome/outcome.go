// Package outcome stores the append-only audit trail of rule firings.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
)

// Status is what happened to a matched (rule, contact) pair.
type Status string

const (
	StatusFired            Status = "fired"
	StatusSkippedCooldown  Status = "skipped_cooldown"
	StatusEvaluationFailed Status = "evaluation_failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusFired, StatusSkippedCooldown, StatusEvaluationFailed:
		return true
	}
	return false
}

// DispatchResult is the result of the external side effect.
type DispatchResult string

const (
	DispatchSuccess DispatchResult = "success"
	DispatchFailed  DispatchResult = "failed"
	DispatchSkipped DispatchResult = "skipped"
)

func (r DispatchResult) Valid() bool {
	switch r {
	case DispatchSuccess, DispatchFailed, DispatchSkipped:
		return true
	}
	return false
}

// AnnotationStatus records whether an AI rationale was requested and obtained.
type AnnotationStatus string

const (
	AnnotationNotRequested AnnotationStatus = "not_requested"
	AnnotationSucceeded    AnnotationStatus = "succeeded"
	AnnotationFailed       AnnotationStatus = "failed"
)

// Outcome is one audit record. It is never updated after Record.
type Outcome struct {
	ID               string             `json:"id"`
	EventID          string             `json:"event_id"`
	OrgID            string             `json:"org_id"`
	RuleID           string             `json:"rule_id"`
	ContactID        string             `json:"contact_id"`
	MatchedAt        time.Time          `json:"matched_at"`
	MatchedLeafPaths []string           `json:"matched_leaf_paths"`
	Status           Status             `json:"status"`
	DispatchedAction rules.OutputAction `json:"dispatched_action,omitempty"`
	DispatchResult   DispatchResult     `json:"dispatch_result"`
	DispatchError    string             `json:"dispatch_error,omitempty"`
	AIRationale      string             `json:"ai_rationale,omitempty"`
	AnnotationStatus AnnotationStatus   `json:"annotation_status"`
	Live             bool               `json:"live"`
	CreatedAt        time.Time          `json:"created_at"`
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects outcomes. Zero values mean "any". From is inclusive, To
// exclusive. Results are ordered by matched_at, newest first.
type Filter struct {
	OrgID          string
	RuleID         string
	ContactID      string
	From           time.Time
	To             time.Time
	DispatchResult DispatchResult
	Status         Status
	Limit          int
	Offset         int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	}
	return f.Limit
}

// Store is the outcome audit log. Every Store is also a rules.FiringHistory.
type Store interface {
	Record(ctx context.Context, o *Outcome) error
	Query(ctx context.Context, f Filter) ([]*Outcome, error)
	HasFired(ctx context.Context, orgID, ruleID string) (bool, error)
}

var (
	_ rules.FiringHistory = Store(nil)

	ErrInvalidOutcome = errors.New("invalid outcome")
	ErrDuplicate      = errors.New("outcome already recorded")
)

// prepare validates o and fills ID, CreatedAt and defaults in place.
func prepare(o *Outcome, now time.Time) error {
	switch {
	case o == nil:
		return fmt.Errorf("%w: nil", ErrInvalidOutcome)
	case o.OrgID == "":
		return fmt.Errorf("%w: org_id is required", ErrInvalidOutcome)
	case o.RuleID == "":
		return fmt.Errorf("%w: rule_id is required", ErrInvalidOutcome)
	case o.ContactID == "":
		return fmt.Errorf("%w: contact_id is required", ErrInvalidOutcome)
	case !o.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidOutcome, o.Status)
	}
	if o.DispatchResult == "" {
		o.DispatchResult = DispatchSkipped
	}
	if !o.DispatchResult.Valid() {
		return fmt.Errorf("%w: unknown dispatch result %q", ErrInvalidOutcome, o.DispatchResult)
	}
	if o.AnnotationStatus == "" {
		o.AnnotationStatus = AnnotationNotRequested
	}
	if o.ID == "" {
		o.ID = uuid.Must(uuid.NewV7()).String()
	}
	if o.EventID == "" {
		o.EventID = o.ID
	}
	if o.MatchedAt.IsZero() {
		o.MatchedAt = now
	}
	if o.MatchedLeafPaths == nil {
		o.MatchedLeafPaths = []string{}
	}
	o.CreatedAt = now
	return nil
}

func (o *Outcome) clone() *Outcome {
	c := *o
	c.MatchedLeafPaths = append([]string(nil), o.MatchedLeafPaths...)
	return &c
}
