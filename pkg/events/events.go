// Package events defines the event types carried on the event bus and pushed to realtime subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Realtime events published to interested users.
	ApprovalCreated          EventType = "approval.created"
	ApprovalInReview         EventType = "approval.in_review"
	ApprovalApproved         EventType = "approval.approved"
	ApprovalRejected         EventType = "approval.rejected"
	ApprovalEscalated        EventType = "approval.escalated"
	ApprovalMoreInfoRequired EventType = "approval.more_info_required"
	ApprovalInfoSupplied     EventType = "approval.info_supplied"
	ApprovalReassigned       EventType = "approval.reassigned"
	ApprovalCancelled        EventType = "approval.cancelled"
	ApprovalExpired          EventType = "approval.expired"
	ApprovalOrphaned         EventType = "approval.orphaned"
	ApprovalReminder         EventType = "approval.reminder"
	ApprovalCommented        EventType = "approval.commented"
	InstanceStarted          EventType = "workflow.instance.started"
	InstanceFinished         EventType = "workflow.instance.finished"
	StepNotification         EventType = "workflow.step.notification"

	// Bus-only events.
	WorkItemEvent          EventType = "scheduler.work_item"
	RealtimePublishedEvent EventType = "realtime.published"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	CompanyID string    `json:"company_id,omitempty"`
}

func NewBaseEvent(eventType EventType, companyID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		CompanyID: companyID,
	}
}

// WorkKind selects what the scheduler consumer does with a work item.
type WorkKind string

const (
	// WorkRequestCheck evaluates reminders, expiry, step timeout and orphaning of one request.
	WorkRequestCheck WorkKind = "request_check"
	// WorkInstanceHeal re-derives the current step of one instance and activates it if missing.
	WorkInstanceHeal WorkKind = "instance_heal"
)

// WorkItem is one unit of scheduler work. Delivery is at-least-once.
type WorkItem struct {
	BaseEvent

	Kind     WorkKind  `json:"kind"`
	TargetID string    `json:"target_id"`
	SweepAt  time.Time `json:"sweep_at"`
}

func (WorkItem) GetType() EventType {
	return WorkItemEvent
}

// RealtimePublished carries a realtime event between processes; the API bridges it into its hub.
type RealtimePublished struct {
	BaseEvent

	Recipients []string       `json:"recipients"`
	EventType  string         `json:"event_type"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func (RealtimePublished) GetType() EventType {
	return RealtimePublishedEvent
}
