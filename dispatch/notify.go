package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
)

const notifySchema = `{
	"type": "object",
	"properties": {
		"recipients": {"type": "array", "items": {"type": "string", "format": "email"}},
		"recipient_roles": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"template_key": {"type": "string", "minLength": 1},
		"subject": {"type": "string"}
	},
	"required": ["template_key"],
	"anyOf": [
		{"required": ["recipients"], "properties": {"recipients": {"minItems": 1}}},
		{"required": ["recipient_roles"], "properties": {"recipient_roles": {"minItems": 1}}}
	]
}`

// EmailMessage is a plain-text email to one or more recipients.
type EmailMessage struct {
	To      []string
	Subject string
	Body    string
}

// EmailSender delivers email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// RoleResolver maps staff roles around a contact (e.g. "counselor") to email
// addresses. It is owned by the host application.
type RoleResolver interface {
	Resolve(ctx context.Context, orgID, contactID string, roles []string) ([]string, error)
}

type notifyConfig struct {
	Recipients     []string `json:"recipients"`
	RecipientRoles []string `json:"recipient_roles"`
	TemplateKey    string   `json:"template_key"`
	Subject        string   `json:"subject"`
}

// DefaultTemplates are the built-in notification bodies keyed by template_key.
func DefaultTemplates() map[string]string {
	return map[string]string{
		"default": `Rule "{{.RuleName}}" matched for contact {{.ContactID}} at {{.MatchedAt.Format "2006-01-02 15:04 MST"}}.
Matched signals: {{join .MatchedLeafPaths ", "}}
{{- if .Rationale}}

Why: {{.Rationale}}{{end}}
`,
		"wellness_alert": `A wellness alert was raised for contact {{.ContactID}}.

Rule: {{.RuleName}}
Signals: {{join .MatchedLeafPaths ", "}}
{{- if .Rationale}}
Summary: {{.Rationale}}{{end}}

Please follow up within one school day.
`,
		"academic_alert": `Contact {{.ContactID}} matched the academic rule "{{.RuleName}}".
Signals: {{join .MatchedLeafPaths ", "}}
{{- if .Rationale}}
Summary: {{.Rationale}}{{end}}
`,
	}
}

// NotifyHandler emails staff using a named template.
type NotifyHandler struct {
	sender    EmailSender
	roles     RoleResolver
	templates *template.Template
}

// NewNotifyHandler parses templates (template_key -> text/template body).
// roles may be nil when rules only use explicit recipients.
func NewNotifyHandler(sender EmailSender, templates map[string]string, roles RoleResolver) (*NotifyHandler, error) {
	if sender == nil {
		return nil, errors.New("dispatch: email sender required")
	}
	set := template.New("notify").Funcs(template.FuncMap{"join": strings.Join}).Option("missingkey=error")
	for key, text := range templates {
		if _, err := set.New(key).Parse(text); err != nil {
			return nil, fmt.Errorf("dispatch: parse template %q: %w", key, err)
		}
	}
	return &NotifyHandler{sender: sender, roles: roles, templates: set}, nil
}

func (h *NotifyHandler) Action() rules.OutputAction { return rules.ActionNotify }
func (h *NotifyHandler) Schema() string             { return notifySchema }

// CheckConfig rejects template keys the handler has no template for, so
// such rules fail when saved rather than on every dispatch.
func (h *NotifyHandler) CheckConfig(config map[string]any) error {
	var cfg notifyConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	_, err := h.template(cfg.TemplateKey)
	return err
}

func (h *NotifyHandler) template(key string) (*template.Template, error) {
	tmpl := h.templates.Lookup(key)
	if tmpl == nil || key == h.templates.Name() {
		return nil, fmt.Errorf("%w: unknown template_key %q", ErrInvalidConfig, key)
	}
	return tmpl, nil
}

func (h *NotifyHandler) Handle(ctx context.Context, req Request) error {
	var cfg notifyConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return err
	}

	tmpl, err := h.template(cfg.TemplateKey)
	if err != nil {
		return err
	}

	recipients := append([]string(nil), cfg.Recipients...)
	if len(cfg.RecipientRoles) > 0 && h.roles != nil {
		resolved, err := h.roles.Resolve(ctx, req.OrgID, req.ContactID, cfg.RecipientRoles)
		if err != nil {
			return fmt.Errorf("notify: resolve recipient roles: %w", err)
		}
		recipients = append(recipients, resolved...)
	}
	recipients = dedupe(recipients)
	if len(recipients) == 0 {
		return errors.New("notify: no recipients")
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, req); err != nil {
		return fmt.Errorf("notify: render template %q: %w", cfg.TemplateKey, err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "Alert: " + req.RuleName
	}

	return h.sender.Send(ctx, EmailMessage{To: recipients, Subject: subject, Body: body.String()})
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		out = append(out, s)
	}
	return out
}

// StaticRoleResolver maps a role to the same addresses for every contact.
type StaticRoleResolver map[string][]string

// ParseStaticRoles reads "role=a@x.org,b@x.org;role2=c@x.org".
func ParseStaticRoles(s string) (StaticRoleResolver, error) {
	out := StaticRoleResolver{}
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		role, emails, ok := strings.Cut(entry, "=")
		role = strings.TrimSpace(role)
		if !ok || role == "" {
			return nil, fmt.Errorf("dispatch: malformed role entry %q", entry)
		}
		for _, e := range strings.Split(emails, ",") {
			if e = strings.TrimSpace(e); e != "" {
				out[role] = append(out[role], e)
			}
		}
	}
	return out, nil
}

func (r StaticRoleResolver) Resolve(_ context.Context, _, _ string, roles []string) ([]string, error) {
	var out []string
	for _, role := range roles {
		out = append(out, r[role]...)
	}
	return out, nil
}
