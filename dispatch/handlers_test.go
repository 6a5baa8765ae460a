package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
)

type fakeSender struct {
	sent []EmailMessage
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg EmailMessage) error {
	s.sent = append(s.sent, msg)
	return s.err
}

type fakeRoles struct {
	emails []string
	err    error
}

func (r *fakeRoles) Resolve(_ context.Context, _, _ string, _ []string) ([]string, error) {
	return r.emails, r.err
}

type published struct {
	queue   string
	body    []byte
	dedupID string
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, queueURL string, body []byte, dedupID string) error {
	p.msgs = append(p.msgs, published{queueURL, body, dedupID})
	return p.err
}

func handlerRequest(config map[string]any) Request {
	return Request{
		EventID:          "evt-1",
		OrgID:            "org-1",
		RuleID:           "rule-1",
		RuleName:         "Low wellness",
		ContactID:        "contact-9",
		Config:           config,
		MatchedLeafPaths: []string{"latest_survey.wellness_score", "academic.gpa"},
		MatchedAt:        time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Rationale:        "Wellness and grades both dropped.",
	}
}

func TestNotifyHandlerRendersTemplate(t *testing.T) {
	sender := &fakeSender{}
	h, err := NewNotifyHandler(sender, DefaultTemplates(), &fakeRoles{emails: []string{"counselor@school.org", "A@school.org"}})
	require.NoError(t, err)

	err = h.Handle(context.Background(), handlerRequest(map[string]any{
		"template_key":    "wellness_alert",
		"recipients":      []any{"a@school.org"},
		"recipient_roles": []any{"counselor"},
	}))
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, []string{"a@school.org", "counselor@school.org"}, msg.To, "recipients are deduplicated case-insensitively")
	assert.Equal(t, "Alert: Low wellness", msg.Subject)
	assert.Contains(t, msg.Body, "contact-9")
	assert.Contains(t, msg.Body, "latest_survey.wellness_score, academic.gpa")
	assert.Contains(t, msg.Body, "Wellness and grades both dropped.")
}

func TestNotifyHandlerSubjectOverride(t *testing.T) {
	sender := &fakeSender{}
	h, err := NewNotifyHandler(sender, DefaultTemplates(), nil)
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), handlerRequest(map[string]any{
		"template_key": "default",
		"recipients":   []any{"a@school.org"},
		"subject":      "Check in today",
	})))
	assert.Equal(t, "Check in today", sender.sent[0].Subject)
}

func TestNotifyHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		roles  RoleResolver
		sender *fakeSender
		config map[string]any
		is     error
	}{
		{
			name:   "unknown template",
			sender: &fakeSender{},
			config: map[string]any{"template_key": "missing", "recipients": []any{"a@school.org"}},
			is:     ErrInvalidConfig,
		},
		{
			name:   "roles without resolver",
			sender: &fakeSender{},
			config: map[string]any{"template_key": "default", "recipient_roles": []any{"counselor"}},
		},
		{
			name:   "resolver fails",
			roles:  &fakeRoles{err: errors.New("directory down")},
			sender: &fakeSender{},
			config: map[string]any{"template_key": "default", "recipient_roles": []any{"counselor"}},
		},
		{
			name:   "send fails",
			sender: &fakeSender{err: errors.New("ses throttled")},
			config: map[string]any{"template_key": "default", "recipients": []any{"a@school.org"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewNotifyHandler(tt.sender, DefaultTemplates(), tt.roles)
			require.NoError(t, err)

			err = h.Handle(context.Background(), handlerRequest(tt.config))
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestNewNotifyHandlerRejectsBadTemplate(t *testing.T) {
	_, err := NewNotifyHandler(&fakeSender{}, map[string]string{"broken": "{{.RuleName"}, nil)
	assert.Error(t, err)

	_, err = NewNotifyHandler(nil, DefaultTemplates(), nil)
	assert.Error(t, err)
}

func TestReviewHandlerPublishes(t *testing.T) {
	pub := &fakePublisher{}
	h := NewReviewHandler(pub, "https://sqs.local/review")

	require.NoError(t, h.Handle(context.Background(), handlerRequest(map[string]any{
		"content_tags": []any{"anxiety", "sleep"},
	})))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "https://sqs.local/review", pub.msgs[0].queue)
	assert.Equal(t, "review_suggestion-evt-1", pub.msgs[0].dedupID)

	var msg queueMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].body, &msg))
	assert.Equal(t, "review_suggestion", msg.Type)
	assert.Equal(t, "contact-9", msg.ContactID)
	assert.Equal(t, []string{"anxiety", "sleep"}, msg.ContentTags)
	assert.Equal(t, "normal", msg.Priority)
}

func TestEnrollHandlerQueueOverride(t *testing.T) {
	pub := &fakePublisher{}
	h := NewEnrollHandler(pub, "https://sqs.local/enroll")

	require.NoError(t, h.Handle(context.Background(), handlerRequest(map[string]any{
		"program_id": "tutoring-1",
		"queue_url":  "https://sqs.local/other.fifo",
	})))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "https://sqs.local/other.fifo", pub.msgs[0].queue)

	var msg queueMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].body, &msg))
	assert.Equal(t, "enrollment", msg.Type)
	assert.Equal(t, "tutoring-1", msg.ProgramID)
	assert.Equal(t, rules.ActionAutoEnroll, h.Action())
}

func TestQueueHandlersNeedAQueue(t *testing.T) {
	h := NewReviewHandler(&fakePublisher{}, "")
	err := h.Handle(context.Background(), handlerRequest(map[string]any{"content_tags": []any{"x"}}))
	assert.ErrorContains(t, err, "no queue configured")

	e := NewEnrollHandler(&fakePublisher{err: errors.New("boom")}, "q")
	assert.ErrorContains(t, e.Handle(context.Background(), handlerRequest(map[string]any{"program_id": "p"})), "boom")
}

func TestParseStaticRoles(t *testing.T) {
	r, err := ParseStaticRoles("counselor=a@school.org, b@school.org; principal=p@school.org;")
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), "org-1", "c-1", []string{"counselor", "principal", "nurse"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@school.org", "b@school.org", "p@school.org"}, got)

	_, err = ParseStaticRoles("counselor")
	assert.Error(t, err)
}

func TestLogOnlyFallbacksSucceed(t *testing.T) {
	n, err := NewNotifyHandler(LogEmailSender{}, DefaultTemplates(), nil)
	require.NoError(t, err)
	assert.NoError(t, n.Handle(context.Background(), handlerRequest(map[string]any{
		"template_key": "default",
		"recipients":   []any{"a@school.org"},
	})))

	r := NewReviewHandler(LogPublisher{}, "https://sqs.local/review")
	assert.NoError(t, r.Handle(context.Background(), handlerRequest(map[string]any{
		"content_tags": []any{"sleep"},
	})))
}

func TestNotifyUnknownTemplateRejectedOnValidate(t *testing.T) {
	n, err := NewNotifyHandler(&fakeSender{}, DefaultTemplates(), nil)
	require.NoError(t, err)
	d := New()
	require.NoError(t, d.Register(n))

	base := map[string]any{"recipients": []any{"a@school.org"}}
	withKey := func(key string) map[string]any {
		cfg := map[string]any{"template_key": key}
		for k, v := range base {
			cfg[k] = v
		}
		return cfg
	}

	assert.NoError(t, d.ValidateConfig(rules.ActionNotify, withKey("wellness_alert")))
	assert.ErrorIs(t, d.ValidateConfig(rules.ActionNotify, withKey("welness_alert")), ErrInvalidConfig)
	assert.ErrorIs(t, d.ValidateConfig(rules.ActionNotify, withKey("notify")), ErrInvalidConfig, "template set name is not a template key")
}
