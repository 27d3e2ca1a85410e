package models

import "time"

// TemplateKey names one of the message templates the send capability knows.
type TemplateKey string

const (
	TemplateApprovalRequest  TemplateKey = "approval_request"
	TemplateReminder         TemplateKey = "approval_reminder"
	TemplateUrgentReminder   TemplateKey = "approval_urgent_reminder"
	TemplateReassigned       TemplateKey = "approval_reassigned"
	TemplateOrphaned         TemplateKey = "approval_orphaned"
	TemplateDailyDigest      TemplateKey = "daily_digest"
	TemplateApprovalApproved TemplateKey = "approval_approved"
	TemplateApprovalRejected TemplateKey = "approval_rejected"
)

var TemplateKeys = []TemplateKey{
	TemplateApprovalRequest, TemplateReminder, TemplateUrgentReminder, TemplateReassigned,
	TemplateOrphaned, TemplateDailyDigest, TemplateApprovalApproved, TemplateApprovalRejected,
}

type DeliveryMode string

const (
	DeliveryImmediate   DeliveryMode = "immediate"
	DeliveryDailyDigest DeliveryMode = "daily_digest"
	DeliveryDisabled    DeliveryMode = "disabled"
)

// Preference is a user's email delivery configuration.
type Preference struct {
	UserID string       `json:"user_id"`
	Mode   DeliveryMode `json:"mode"`
	// DigestTime is "HH:MM" in Location.
	DigestTime string         `json:"digest_time,omitempty"`
	Locale     string         `json:"locale,omitempty"`
	Email      string         `json:"email,omitempty"`
	// TimeZone is an IANA zone name; Location is its loaded form.
	TimeZone string         `json:"time_zone,omitempty"`
	Location *time.Location `json:"-"`
}

// DigestEntry is one buffered event waiting for a user's daily digest.
type DigestEntry struct {
	EventKey    string            `json:"event_key"`
	TemplateKey TemplateKey       `json:"template_key"`
	Subject     string            `json:"subject"`
	Variables   map[string]string `json:"variables,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}
