// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/google/uuid"
)

// Epoch is the default instant fixtures are stamped with.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // a Monday

// CreateTestTemplate creates an active purchase-order template with one approval step.
func CreateTestTemplate(overrides ...func(*models.WorkflowTemplate)) *models.WorkflowTemplate {
	template := &models.WorkflowTemplate{
		CompanyID:   "c1",
		Name:        "Purchase order approval",
		EntityType:  models.EntityPurchaseOrder,
		TriggerType: models.TriggerEntityCreated,
		Steps:       []models.WorkflowStepDefinition{ApprovalStep(1, "Manager review", models.AssigneeUser, "u1")},
		IsActive:    true,
		CreatedBy:   "admin",
	}

	for _, override := range overrides {
		override(template)
	}

	return template
}

// WithSteps replaces the template steps.
func WithSteps(steps ...models.WorkflowStepDefinition) func(*models.WorkflowTemplate) {
	return func(t *models.WorkflowTemplate) {
		t.Steps = steps
	}
}

// WithTrigger sets the trigger type and conditions.
func WithTrigger(trigger models.TriggerType, conditions *models.ConditionSet) func(*models.WorkflowTemplate) {
	return func(t *models.WorkflowTemplate) {
		t.TriggerType = trigger
		t.TriggerConditions = conditions
	}
}

// ApprovalStep creates a required approval step definition.
func ApprovalStep(number int, name string, assignee models.AssigneeType, ref string) models.WorkflowStepDefinition {
	return models.WorkflowStepDefinition{
		StepNumber:   number,
		Name:         name,
		Type:         models.StepApproval,
		AssigneeType: assignee,
		AssigneeRef:  ref,
		IsRequired:   true,
		Priority:     models.PriorityMedium,
	}
}

// CreateTestRequest creates a pending ad-hoc request assigned to u1.
func CreateTestRequest(overrides ...func(*models.ApprovalRequest)) *models.ApprovalRequest {
	req := &models.ApprovalRequest{
		ID:          uuid.NewString(),
		CompanyID:   "c1",
		EntityType:  models.EntityPurchaseOrder,
		EntityID:    "po-1",
		RequestType: "purchase_order_approval",
		Priority:    models.PriorityMedium,
		Status:      models.ApprovalPending,
		AssignedTo:  "u1",
		Title:       "Approve PO-1",
		RequestedBy: "requester",
		RequestedAt: Epoch,
		UpdatedAt:   Epoch,
	}

	for _, override := range overrides {
		override(req)
	}

	return req
}

// Snapshot builds an entity snapshot from plain values.
func Snapshot(createdBy string, at time.Time, fields map[string]any) models.EntitySnapshot {
	payload := models.Payload{}

	for k, v := range fields {
		switch val := v.(type) {
		case string:
			payload[k] = models.String(val)
		case int:
			payload[k] = models.Number(float64(val))
		case float64:
			payload[k] = models.Number(val)
		case bool:
			payload[k] = models.Bool(val)
		}
	}

	return models.EntitySnapshot{Fields: payload, Timestamp: at, CreatedBy: createdBy}
}

// User creates an active user of company c1.
func User(id string, roles ...string) *models.User {
	return &models.User{ID: id, CompanyID: "c1", Name: id, Email: id + "@example.com", Roles: roles, Active: true}
}
