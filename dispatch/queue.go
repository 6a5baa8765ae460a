package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
)

const reviewSchema = `{
	"type": "object",
	"properties": {
		"queue_url": {"type": "string", "minLength": 1},
		"content_tags": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
		"priority": {"enum": ["low", "normal", "high"]}
	},
	"required": ["content_tags"]
}`

const enrollSchema = `{
	"type": "object",
	"properties": {
		"queue_url": {"type": "string", "minLength": 1},
		"program_tags": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
		"program_id": {"type": "string", "minLength": 1}
	},
	"anyOf": [
		{"required": ["program_tags"]},
		{"required": ["program_id"]}
	]
}`

// Publisher sends a message body to a queue. dedupID is stable per firing.
type Publisher interface {
	Publish(ctx context.Context, queueURL string, body []byte, dedupID string) error
}

// queueMessage is the envelope both queue handlers publish.
type queueMessage struct {
	Type             string    `json:"type"`
	EventID          string    `json:"event_id"`
	OrgID            string    `json:"org_id"`
	RuleID           string    `json:"rule_id"`
	RuleName         string    `json:"rule_name"`
	ContactID        string    `json:"contact_id"`
	MatchedAt        time.Time `json:"matched_at"`
	MatchedLeafPaths []string  `json:"matched_leaf_paths"`
	Rationale        string    `json:"rationale,omitempty"`

	ContentTags []string `json:"content_tags,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	ProgramTags []string `json:"program_tags,omitempty"`
	ProgramID   string   `json:"program_id,omitempty"`
}

func newQueueMessage(kind string, req Request) queueMessage {
	return queueMessage{
		Type:             kind,
		EventID:          req.EventID,
		OrgID:            req.OrgID,
		RuleID:           req.RuleID,
		RuleName:         req.RuleName,
		ContactID:        req.ContactID,
		MatchedAt:        req.MatchedAt,
		MatchedLeafPaths: req.MatchedLeafPaths,
		Rationale:        req.Rationale,
	}
}

func publish(ctx context.Context, p Publisher, queueURL string, msg queueMessage) error {
	if queueURL == "" {
		return errors.New("no queue configured")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	return p.Publish(ctx, queueURL, body, msg.Type+"-"+msg.EventID)
}

// ReviewHandler queues suggested content for staff review.
type ReviewHandler struct {
	publisher    Publisher
	defaultQueue string
}

func NewReviewHandler(p Publisher, defaultQueue string) *ReviewHandler {
	return &ReviewHandler{publisher: p, defaultQueue: defaultQueue}
}

func (h *ReviewHandler) Action() rules.OutputAction { return rules.ActionSuggestForReview }
func (h *ReviewHandler) Schema() string             { return reviewSchema }

func (h *ReviewHandler) Handle(ctx context.Context, req Request) error {
	var cfg struct {
		QueueURL    string   `json:"queue_url"`
		ContentTags []string `json:"content_tags"`
		Priority    string   `json:"priority"`
	}
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return err
	}
	if cfg.Priority == "" {
		cfg.Priority = "normal"
	}
	queue := cfg.QueueURL
	if queue == "" {
		queue = h.defaultQueue
	}

	msg := newQueueMessage("review_suggestion", req)
	msg.ContentTags = cfg.ContentTags
	msg.Priority = cfg.Priority
	if err := publish(ctx, h.publisher, queue, msg); err != nil {
		return fmt.Errorf("suggest_for_review: %w", err)
	}
	return nil
}

// EnrollHandler asks the enrollment service to enroll the contact.
type EnrollHandler struct {
	publisher    Publisher
	defaultQueue string
}

func NewEnrollHandler(p Publisher, defaultQueue string) *EnrollHandler {
	return &EnrollHandler{publisher: p, defaultQueue: defaultQueue}
}

func (h *EnrollHandler) Action() rules.OutputAction { return rules.ActionAutoEnroll }
func (h *EnrollHandler) Schema() string             { return enrollSchema }

func (h *EnrollHandler) Handle(ctx context.Context, req Request) error {
	var cfg struct {
		QueueURL    string   `json:"queue_url"`
		ProgramTags []string `json:"program_tags"`
		ProgramID   string   `json:"program_id"`
	}
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return err
	}
	queue := cfg.QueueURL
	if queue == "" {
		queue = h.defaultQueue
	}

	msg := newQueueMessage("enrollment", req)
	msg.ProgramTags = cfg.ProgramTags
	msg.ProgramID = cfg.ProgramID
	if err := publish(ctx, h.publisher, queue, msg); err != nil {
		return fmt.Errorf("auto_enroll: %w", err)
	}
	return nil
}
