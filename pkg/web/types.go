package web

import (
	"time"

	"github.com/absamo/triven-workflow/pkg/models"
)

// CreateApprovalRequest is the body of POST /approvals. Exactly one of
// AssignedTo and AssignedRole is set.
type CreateApprovalRequest struct {
	EntityType   models.EntityType    `json:"entity_type"             validate:"required"`
	EntityID     string               `json:"entity_id"               validate:"required"`
	RequestType  string               `json:"request_type"            validate:"required"`
	Priority     models.Priority      `json:"priority,omitempty"      validate:"omitempty,oneof=Low Medium High Critical Urgent"`
	AssignedTo   string               `json:"assigned_to,omitempty"   validate:"required_without=AssignedRole,excluded_with=AssignedRole"`
	AssignedRole string               `json:"assigned_role,omitempty" validate:"required_without=AssignedTo"`
	Title        string               `json:"title"                   validate:"required,min=3"`
	Description  string               `json:"description,omitempty"`
	Data         models.Payload       `json:"data,omitempty"`
	Conditions   *models.ConditionSet `json:"conditions,omitempty"`
	ExpiresAt    *time.Time           `json:"expires_at,omitempty"`
}

// ReviewRequest records a decision. Delegation targets either DelegateTo or DelegateRole.
type ReviewRequest struct {
	Decision     models.Decision `json:"decision"                validate:"required"`
	Reason       string          `json:"reason,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	DelegateTo   string          `json:"delegate_to,omitempty"`
	DelegateRole string          `json:"delegate_role,omitempty"`
	Version      int64           `json:"version,omitempty"`
}

type SupplyInfoRequest struct {
	Data    models.Payload `json:"data,omitempty"`
	Comment string         `json:"comment,omitempty"`
}

type ReassignRequest struct {
	AssignedTo   string `json:"assigned_to,omitempty"   validate:"required_without=AssignedRole,excluded_with=AssignedRole"`
	AssignedRole string `json:"assigned_role,omitempty" validate:"required_without=AssignedTo"`
	Reason       string `json:"reason"                  validate:"required"`
	Version      int64  `json:"version,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CommentRequest struct {
	Comment    string `json:"comment"     validate:"required"`
	IsInternal bool   `json:"is_internal"`
}

// TriggerRequest delivers one business event.
type TriggerRequest struct {
	EntityType models.EntityType  `json:"entity_type"          validate:"required"`
	EntityID   string             `json:"entity_id"            validate:"required"`
	Type       models.TriggerType `json:"trigger_type"         validate:"required"`
	Fields     models.Payload     `json:"fields"`
	CreatedBy  string             `json:"created_by,omitempty"`
	Timestamp  *time.Time         `json:"timestamp,omitempty"`
}

type TriggerResponse struct {
	Started []*models.WorkflowInstance `json:"started"`
}
