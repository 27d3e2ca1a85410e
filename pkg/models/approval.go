package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAmbiguousAssignment = errors.New("exactly one of assigned_to and assigned_role must be set")
	ErrReasonRequired      = errors.New("decision reason is required unless the decision is approved")
)

type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityMedium   Priority = "Medium"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
	PriorityUrgent   Priority = "Urgent"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical, PriorityUrgent}

func (p Priority) Valid() bool {
	for _, pp := range Priorities {
		if p == pp {
			return true
		}
	}

	return false
}

type ApprovalStatus string

const (
	ApprovalPending          ApprovalStatus = "pending"
	ApprovalInReview         ApprovalStatus = "in_review"
	ApprovalApproved         ApprovalStatus = "approved"
	ApprovalRejected         ApprovalStatus = "rejected"
	ApprovalEscalated        ApprovalStatus = "escalated"
	ApprovalExpired          ApprovalStatus = "expired"
	ApprovalCancelled        ApprovalStatus = "cancelled"
	ApprovalMoreInfoRequired ApprovalStatus = "more_info_required"
)

// OpenApprovalStatuses are the non-terminal statuses the scheduler sweeps.
var OpenApprovalStatuses = []ApprovalStatus{ApprovalPending, ApprovalInReview, ApprovalMoreInfoRequired}

func (s ApprovalStatus) IsOpen() bool {
	for _, open := range OpenApprovalStatuses {
		if s == open {
			return true
		}
	}

	return false
}

func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalInReview, ApprovalApproved, ApprovalRejected, ApprovalEscalated,
		ApprovalExpired, ApprovalCancelled, ApprovalMoreInfoRequired:
		return true
	default:
		return false
	}
}

type Decision string

const (
	DecisionApproved            Decision = "approved"
	DecisionRejected            Decision = "rejected"
	DecisionEscalated           Decision = "escalated"
	DecisionDelegated           Decision = "delegated"
	DecisionMoreInfoRequired    Decision = "more_info_required"
	DecisionConditionalApproval Decision = "conditional_approval"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionEscalated, DecisionDelegated,
		DecisionMoreInfoRequired, DecisionConditionalApproval:
		return true
	default:
		return false
	}
}

// IsApproval reports whether the decision counts as an approval for step resolution.
func (d Decision) IsApproval() bool {
	return d == DecisionApproved || d == DecisionConditionalApproval
}

// Assignment is the single resolved target of a request: a user or a role, never both.
type Assignment struct {
	UserID string `json:"assigned_to,omitempty"`
	RoleID string `json:"assigned_role,omitempty"`
}

func UserAssignment(userID string) Assignment { return Assignment{UserID: userID} }

func RoleAssignment(roleID string) Assignment { return Assignment{RoleID: roleID} }

func (a Assignment) Validate() error {
	if (a.UserID == "") == (a.RoleID == "") {
		return ErrAmbiguousAssignment
	}

	return nil
}

func (a Assignment) String() string {
	if a.UserID != "" {
		return "user:" + a.UserID
	}

	return "role:" + a.RoleID
}

// NotificationTier names a scheduler notification that must fire at most once per request.
type NotificationTier string

const (
	TierStandardReminder NotificationTier = "reminder_24h"
	TierUrgentReminder   NotificationTier = "reminder_48h"
)

type ApprovalRequest struct {
	ID                 string         `json:"id"`
	CompanyID          string         `json:"company_id"`
	WorkflowInstanceID string         `json:"workflow_instance_id,omitempty"`
	StepExecutionID    string         `json:"step_execution_id,omitempty"`
	EntityType         EntityType     `json:"entity_type"`
	EntityID           string         `json:"entity_id"`
	RequestType        string         `json:"request_type"`
	Priority           Priority       `json:"priority"`
	Status             ApprovalStatus `json:"status"`
	AssignedTo         string         `json:"assigned_to,omitempty"`
	AssignedRole       string         `json:"assigned_role,omitempty"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	Data               Payload        `json:"data,omitempty"`
	Conditions         *ConditionSet  `json:"conditions,omitempty"`
	RequestedBy        string         `json:"requested_by"`
	RequestedAt        time.Time      `json:"requested_at"`
	ReviewedBy         string         `json:"reviewed_by,omitempty"`
	ReviewedAt         *time.Time     `json:"reviewed_at,omitempty"`
	Decision           Decision       `json:"decision,omitempty"`
	DecisionReason     string         `json:"decision_reason,omitempty"`
	ReviewNotes        string         `json:"review_notes,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"`
	EscalatedFromID    string         `json:"escalated_from_id,omitempty"`
	EscalationLevel    int            `json:"escalation_level"`
	// NotifiedTiers is the idempotency marker for scheduler notifications.
	NotifiedTiers        []NotificationTier `json:"notified_tiers,omitempty"`
	LastNotificationTier NotificationTier   `json:"last_notification_tier,omitempty"`
	Version              int64              `json:"version"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func (r *ApprovalRequest) IsAdHoc() bool {
	return r.StepExecutionID == ""
}

func (r *ApprovalRequest) Assignment() Assignment {
	return Assignment{UserID: r.AssignedTo, RoleID: r.AssignedRole}
}

// Assign flips the target, clearing the other field.
func (r *ApprovalRequest) Assign(a Assignment) error {
	if err := a.Validate(); err != nil {
		return err
	}

	r.AssignedTo = a.UserID
	r.AssignedRole = a.RoleID

	return nil
}

func (r *ApprovalRequest) HasNotified(tier NotificationTier) bool {
	for _, t := range r.NotifiedTiers {
		if t == tier {
			return true
		}
	}

	return false
}

// MarkNotified records tier; it reports false when the tier was already recorded.
func (r *ApprovalRequest) MarkNotified(tier NotificationTier) bool {
	if r.HasNotified(tier) {
		return false
	}

	r.NotifiedTiers = append(r.NotifiedTiers, tier)
	r.LastNotificationTier = tier

	return true
}

// RecordDecision stores a reviewer's decision. Every decision other than approved needs a reason.
func (r *ApprovalRequest) RecordDecision(reviewer string, d Decision, reason, notes string, at time.Time) error {
	if d != DecisionApproved && reason == "" {
		return ErrReasonRequired
	}

	r.ReviewedBy = reviewer
	r.ReviewedAt = &at
	r.Decision = d
	r.DecisionReason = reason
	r.ReviewNotes = notes

	return nil
}

// Close moves the request to a terminal status.
func (r *ApprovalRequest) Close(to ApprovalStatus, at time.Time) error {
	if !r.Status.IsOpen() {
		return fmt.Errorf("%w: request %s is %s", ErrTerminalState, r.ID, r.Status)
	}

	if to.IsOpen() {
		return fmt.Errorf("%w: %s is not terminal", ErrIllegalTransition, to)
	}

	r.Status = to
	r.CompletedAt = &at

	return nil
}

type ApprovalComment struct {
	ID                string    `json:"id"`
	ApprovalRequestID string    `json:"approval_request_id"`
	AuthorID          string    `json:"author_id"`
	Comment           string    `json:"comment"             validate:"required"`
	IsInternal        bool      `json:"is_internal"`
	CreatedAt         time.Time `json:"created_at"`
}
