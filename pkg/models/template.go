package models

import "time"

// EntityType enumerates the business objects a workflow can be attached to.
type EntityType string

const (
	EntityPurchaseOrder EntityType = "purchase_order"
	EntitySalesOrder    EntityType = "sales_order"
	EntityInvoice       EntityType = "invoice"
	EntityBill          EntityType = "bill"
	EntityPayment       EntityType = "payment"
	EntityProduct       EntityType = "product"
	EntityTransferOrder EntityType = "transfer_order"
	EntityBackorder     EntityType = "backorder"
	EntityExpense       EntityType = "expense"
	EntitySupplier      EntityType = "supplier"
	EntityCustomer      EntityType = "customer"
)

var EntityTypes = []EntityType{
	EntityPurchaseOrder, EntitySalesOrder, EntityInvoice, EntityBill, EntityPayment, EntityProduct,
	EntityTransferOrder, EntityBackorder, EntityExpense, EntitySupplier, EntityCustomer,
}

func (e EntityType) Valid() bool {
	for _, t := range EntityTypes {
		if e == t {
			return true
		}
	}

	return false
}

// TriggerType is the business event that spawns an instance.
type TriggerType string

const (
	TriggerManual          TriggerType = "manual"
	TriggerEntityCreated   TriggerType = "entity_created"
	TriggerEntityUpdated   TriggerType = "entity_updated"
	TriggerStatusChanged   TriggerType = "status_changed"
	TriggerThreshold       TriggerType = "threshold_breached"
	TriggerHighValue       TriggerType = "high_value_transaction"
	TriggerCustomCondition TriggerType = "custom_condition"
	TriggerScheduled       TriggerType = "scheduled"
)

var TriggerTypes = []TriggerType{
	TriggerManual, TriggerEntityCreated, TriggerEntityUpdated, TriggerStatusChanged,
	TriggerThreshold, TriggerHighValue, TriggerCustomCondition, TriggerScheduled,
}

func (t TriggerType) Valid() bool {
	for _, tt := range TriggerTypes {
		if t == tt {
			return true
		}
	}

	return false
}

// RequiresConditions reports whether a template with this trigger must carry trigger conditions.
func (t TriggerType) RequiresConditions() bool {
	switch t {
	case TriggerThreshold, TriggerHighValue, TriggerCustomCondition:
		return true
	default:
		return false
	}
}

type StepType string

const (
	StepApproval           StepType = "approval"
	StepNotification       StepType = "notification"
	StepDataValidation     StepType = "data_validation"
	StepAutomaticAction    StepType = "automatic_action"
	StepConditionalLogic   StepType = "conditional_logic"
	StepParallelApproval   StepType = "parallel_approval"
	StepSequentialApproval StepType = "sequential_approval"
	StepEscalation         StepType = "escalation"
	StepIntegration        StepType = "integration"
)

var StepTypes = []StepType{
	StepApproval, StepNotification, StepDataValidation, StepAutomaticAction, StepConditionalLogic,
	StepParallelApproval, StepSequentialApproval, StepEscalation, StepIntegration,
}

func (t StepType) Valid() bool {
	for _, st := range StepTypes {
		if t == st {
			return true
		}
	}

	return false
}

// RequiresHumanInput reports whether activating the step materializes an ApprovalRequest.
func (t StepType) RequiresHumanInput() bool {
	switch t {
	case StepApproval, StepParallelApproval, StepSequentialApproval, StepEscalation:
		return true
	default:
		return false
	}
}

// NeedsAssignee reports whether the step resolves recipients when it activates.
func (t StepType) NeedsAssignee() bool {
	return t.RequiresHumanInput() || t == StepNotification
}

type AssigneeType string

const (
	AssigneeUser           AssigneeType = "user"
	AssigneeRole           AssigneeType = "role"
	AssigneeCreator        AssigneeType = "creator"
	AssigneeManager        AssigneeType = "manager"
	AssigneeDepartmentHead AssigneeType = "department_head"
)

var AssigneeTypes = []AssigneeType{AssigneeUser, AssigneeRole, AssigneeCreator, AssigneeManager, AssigneeDepartmentHead}

func (a AssigneeType) Valid() bool {
	for _, at := range AssigneeTypes {
		if a == at {
			return true
		}
	}

	return false
}

// NeedsRef reports whether AssigneeRef must be set.
func (a AssigneeType) NeedsRef() bool {
	return a == AssigneeUser || a == AssigneeRole
}

// EscalationTarget selects who receives work escalated away from a step.
type EscalationTarget string

const (
	EscalateToManager EscalationTarget = "manager"
	EscalateToRole    EscalationTarget = "role"
	EscalateNone      EscalationTarget = "none"
)

type WorkflowStepDefinition struct {
	StepNumber    int          `json:"step_number"              validate:"required,min=1"`
	Name          string       `json:"name"                     validate:"required"`
	Description   string       `json:"description,omitempty"`
	Type          StepType     `json:"type"                     validate:"required"`
	AssigneeType  AssigneeType `json:"assignee_type,omitempty"`
	AssigneeRef   string       `json:"assignee_ref,omitempty"`
	TimeoutDays   *int         `json:"timeout_days,omitempty"   validate:"omitempty,min=1,max=365"`
	IsRequired    bool         `json:"is_required"`
	AllowParallel bool         `json:"allow_parallel"`
	AllRequired   bool         `json:"all_required,omitempty"`
	Priority      Priority     `json:"priority,omitempty"`

	// data_validation evaluates Conditions against the live entity.
	Conditions *ConditionSet `json:"conditions,omitempty"`

	// conditional_logic picks the first matching branch, else DefaultGoTo, else the next step.
	Branches    []BranchRule `json:"branches,omitempty"`
	DefaultGoTo *int         `json:"default_go_to,omitempty"`

	// automatic_action and integration run the named engine action.
	Action       string  `json:"action,omitempty"`
	ActionConfig Payload `json:"action_config,omitempty"`

	EscalationTarget EscalationTarget `json:"escalation_target,omitempty"`
	EscalationRole   string           `json:"escalation_role,omitempty"`
}

// IsParallel reports whether the step joins a parallel group.
func (s WorkflowStepDefinition) IsParallel() bool {
	return s.Type == StepParallelApproval || s.AllowParallel
}

// Timeout returns the step timeout, zero when none is configured.
func (s WorkflowStepDefinition) Timeout() time.Duration {
	if s.TimeoutDays == nil {
		return 0
	}

	return time.Duration(*s.TimeoutDays) * 24 * time.Hour
}

type WorkflowTemplate struct {
	ID                string                   `json:"id"`
	CompanyID         string                   `json:"company_id"                   validate:"required"`
	Name              string                   `json:"name"                         validate:"required,min=3"`
	Description       string                   `json:"description,omitempty"`
	EntityType        EntityType               `json:"entity_type"                  validate:"required"`
	TriggerType       TriggerType              `json:"trigger_type"                 validate:"required"`
	TriggerConditions *ConditionSet            `json:"trigger_conditions,omitempty"`
	Steps             []WorkflowStepDefinition `json:"steps"                        validate:"required,min=1,dive"`
	IsActive          bool                     `json:"is_active"`
	CreatedBy         string                   `json:"created_by,omitempty"`
	Version           int64                    `json:"version"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// Step returns the definition for stepNumber.
func (t *WorkflowTemplate) Step(stepNumber int) (WorkflowStepDefinition, bool) {
	for _, s := range t.Steps {
		if s.StepNumber == stepNumber {
			return s, true
		}
	}

	return WorkflowStepDefinition{}, false
}
