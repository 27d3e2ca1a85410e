// Package template renders the notification messages handed to the mail capability.
package template

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/absamo/triven-workflow/pkg/models"
)

// Message is one template pair. Both halves are text/template sources over
// the event variables.
type Message struct {
	Subject string
	Body    string
}

// Rendered is a message ready to send.
type Rendered struct {
	Subject string
	Body    string
}

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"upper": strings.ToUpper,
	"default": func(fallback, value string) string {
		if value == "" {
			return fallback
		}

		return value
	},
}

// Render executes templateStr over data. Missing map keys render empty.
func Render(templateStr string, data any) (string, error) {
	tmpl, err := template.
		New("message").
		Option("missingkey=zero").
		Funcs(funcs).
		Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

var defaults = map[models.TemplateKey]Message{
	models.TemplateApprovalRequest: {
		Subject: `Approval needed: {{.title}}`,
		Body: `{{.title}} ({{.entity_type}} {{.entity_id}}) is waiting for your review.
Priority: {{default "Medium" .priority}}
Requested by: {{.requested_by}}`,
	},
	models.TemplateReminder: {
		Subject: `Reminder: {{.title}}`,
		Body:    `{{.title}} has been pending for {{.hours_pending}} hours.`,
	},
	models.TemplateUrgentReminder: {
		Subject: `URGENT: {{.title}}`,
		Body:    `{{.title}} has been pending for {{.hours_pending}} hours and needs your decision now.`,
	},
	models.TemplateReassigned: {
		Subject: `Reassigned to you: {{.title}}`,
		Body: `{{.title}} was reassigned from {{.previous_assignee}}.
Reason: {{.reason}}`,
	},
	models.TemplateOrphaned: {
		Subject: `Request moved: {{.title}}`,
		Body: `{{.title}} was moved from {{.previous_assignee}} to {{.assignee}}.
Reason: {{.reason}}`,
	},
	models.TemplateDailyDigest: {
		Subject: `{{.count}} approval updates for {{.day}}`,
		Body:    `{{.items}}`,
	},
	models.TemplateApprovalApproved: {
		Subject: `Approved: {{.title}}`,
		Body:    `{{.title}} was approved.`,
	},
	models.TemplateApprovalRejected: {
		Subject: `Rejected: {{.title}}`,
		Body: `{{.title}} was rejected.
Reason: {{.reason}}`,
	},
}

// Renderer resolves a template by key and locale. Locales without an
// override fall back to the built-in English messages.
type Renderer struct {
	locales map[string]map[models.TemplateKey]Message
}

type Option func(*Renderer)

// WithLocale overrides messages for one locale, e.g. "fr".
func WithLocale(locale string, messages map[models.TemplateKey]Message) Option {
	return func(r *Renderer) {
		r.locales[strings.ToLower(locale)] = messages
	}
}

func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{locales: map[string]map[models.TemplateKey]Message{}}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Renderer) lookup(key models.TemplateKey, locale string) (Message, bool) {
	locale = strings.ToLower(locale)

	for _, candidate := range []string{locale, strings.SplitN(locale, "-", 2)[0]} {
		if msg, ok := r.locales[candidate][key]; ok {
			return msg, true
		}
	}

	msg, ok := defaults[key]

	return msg, ok
}

func (r *Renderer) Render(key models.TemplateKey, locale string, variables map[string]string) (Rendered, error) {
	msg, ok := r.lookup(key, locale)
	if !ok {
		return Rendered{}, fmt.Errorf("unknown message template %q", key)
	}

	subject, err := Render(msg.Subject, variables)
	if err != nil {
		return Rendered{}, err
	}

	body, err := Render(msg.Body, variables)
	if err != nil {
		return Rendered{}, err
	}

	return Rendered{Subject: subject, Body: body}, nil
}
