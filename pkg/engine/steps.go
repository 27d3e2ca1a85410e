package engine

import (
	"context"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
)

// RequestOpened moves the step behind req to in_progress once a reviewer
// picks the request up.
func (e *Engine) RequestOpened(ctx context.Context, repos persistence.Repositories, req *models.ApprovalRequest) error {
	const op = "engine.RequestOpened"

	exec, err := repos.Steps().ByID(ctx, req.StepExecutionID)
	if err != nil {
		return persistence.Translate(op, err)
	}

	if exec.Status != models.StepAssigned {
		return nil
	}

	if err := exec.Transition(models.StepInProgress, e.now()); err != nil {
		return apperr.Conflict(op, "%v", err)
	}

	return persistence.Translate(op, repos.Steps().Update(ctx, exec))
}

// RequestReassigned copies the new assignment of req onto its step. A step
// whose request went back to pending returns to assigned.
func (e *Engine) RequestReassigned(ctx context.Context, repos persistence.Repositories, req *models.ApprovalRequest) error {
	const op = "engine.RequestReassigned"

	exec, err := repos.Steps().ByID(ctx, req.StepExecutionID)
	if err != nil {
		return persistence.Translate(op, err)
	}

	if exec.Status.IsTerminal() {
		return nil
	}

	a := req.Assignment()
	exec.AssignedRole = a.RoleID
	exec.AssigneeIDs = e.resolver.Recipients(ctx, req.CompanyID, a)

	if exec.Status == models.StepInProgress && req.Status == models.ApprovalPending {
		if err := exec.Transition(models.StepAssigned, e.now()); err != nil {
			return apperr.Conflict(op, "%v", err)
		}
	}

	return persistence.Translate(op, repos.Steps().Update(ctx, exec))
}
