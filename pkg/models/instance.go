package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTerminalState is returned when a transition is attempted from a terminal state.
	ErrTerminalState = errors.New("entity is already in a terminal state")

	// ErrIllegalTransition is returned for a transition the lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal state transition")
)

type InstanceStatus string

const (
	InstancePending    InstanceStatus = "pending"
	InstanceInProgress InstanceStatus = "in_progress"
	InstanceCompleted  InstanceStatus = "completed"
	InstanceCancelled  InstanceStatus = "cancelled"
	InstanceFailed     InstanceStatus = "failed"
	InstanceTimeout    InstanceStatus = "timeout"
	InstanceEscalated  InstanceStatus = "escalated"
)

func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceCancelled, InstanceFailed, InstanceTimeout, InstanceEscalated:
		return true
	default:
		return false
	}
}

type WorkflowInstance struct {
	ID              string           `json:"id"`
	CompanyID       string           `json:"company_id"`
	TemplateID      string           `json:"template_id"`
	TemplateVersion int64            `json:"template_version"`
	Template        WorkflowTemplate `json:"template_snapshot"`
	EntityType      EntityType       `json:"entity_type"`
	EntityID        string           `json:"entity_id"`
	Status          InstanceStatus   `json:"status"`
	// CurrentStepNumber is the lowest step still being worked on; nil once terminal.
	CurrentStepNumber *int           `json:"current_step_number,omitempty"`
	Snapshot          EntitySnapshot `json:"snapshot"`
	StartedBy         string         `json:"started_by,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Outcome           string         `json:"outcome,omitempty"`
	Version           int64          `json:"version"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Start moves a pending instance to in_progress.
func (i *WorkflowInstance) Start(at time.Time) error {
	if i.Status != InstancePending {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, i.Status, InstanceInProgress)
	}

	i.Status = InstanceInProgress
	i.UpdatedAt = at

	return nil
}

// Finish moves the instance to a terminal state. CompletedAt is stamped exactly once.
func (i *WorkflowInstance) Finish(to InstanceStatus, outcome string, at time.Time) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrIllegalTransition, to)
	}

	if i.Status.IsTerminal() || i.CompletedAt != nil {
		return fmt.Errorf("%w: instance %s is %s", ErrTerminalState, i.ID, i.Status)
	}

	i.Status = to
	i.Outcome = outcome
	i.CurrentStepNumber = nil
	i.CompletedAt = &at
	i.UpdatedAt = at

	return nil
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepAssigned   StepStatus = "assigned"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
	StepTimeout    StepStatus = "timeout"
	StepEscalated  StepStatus = "escalated"
)

func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepSkipped, StepFailed, StepTimeout, StepEscalated:
		return true
	default:
		return false
	}
}

// Advances reports whether a resolved step lets the instance move on.
func (s StepStatus) Advances() bool {
	return s == StepCompleted || s == StepSkipped
}

type StepExecution struct {
	ID                string     `json:"id"`
	InstanceID        string     `json:"instance_id"`
	StepNumber        int        `json:"step_number"`
	Status            StepStatus `json:"status"`
	AssigneeIDs       []string   `json:"assignee_ids,omitempty"`
	AssignedRole      string     `json:"assigned_role,omitempty"`
	ApprovalRequestID string     `json:"approval_request_id,omitempty"`
	// Decision records the human outcome for approval steps, used by parallel groups.
	Decision Decision `json:"decision,omitempty"`
	// NextStepNumber is the branch a conditional_logic step chose; nil means the end of the workflow.
	NextStepNumber  *int       `json:"next_step_number,omitempty"`
	EscalationCount int        `json:"escalation_count"`
	ActivatedAt     time.Time  `json:"activated_at"`
	DeadlineAt      *time.Time `json:"deadline_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Note            string     `json:"note,omitempty"`
	Version         int64      `json:"version"`
}

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:    {StepAssigned, StepInProgress, StepCompleted, StepSkipped, StepFailed, StepEscalated},
	StepAssigned:   {StepInProgress, StepCompleted, StepSkipped, StepFailed, StepTimeout, StepEscalated},
	// in_progress returns to assigned when its request goes back to pending.
	StepInProgress: {StepAssigned, StepCompleted, StepSkipped, StepFailed, StepTimeout, StepEscalated},
}

// Transition moves the step to a new status, stamping ResolvedAt on terminal states.
func (s *StepExecution) Transition(to StepStatus, at time.Time) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: step %d is %s", ErrTerminalState, s.StepNumber, s.Status)
	}

	allowed := false

	for _, next := range stepTransitions[s.Status] {
		if next == to {
			allowed = true

			break
		}
	}

	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, to)
	}

	s.Status = to
	if to.IsTerminal() {
		s.ResolvedAt = &at
	}

	return nil
}
