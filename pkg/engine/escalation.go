package engine

import (
	"context"
	"fmt"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/approvals"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/otelhelper"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// Escalation causes, also used as metric labels.
const (
	CauseReview  = "review"
	CauseExpired = "expired"
	CauseTimeout = "timeout"
)

// RequestResolved records the decision of a step-backed request on its step
// and advances the instance.
func (e *Engine) RequestResolved(ctx context.Context, repos persistence.Repositories, outbox *notify.Outbox, req *models.ApprovalRequest) error {
	const op = "engine.RequestResolved"

	inst, err := repos.Instances().ByID(ctx, req.WorkflowInstanceID)
	if err != nil {
		return persistence.Translate(op, err)
	}

	if inst.Status.IsTerminal() {
		e.logger.InfoContext(ctx, "decision on finished instance ignored",
			"instance_id", inst.ID, "request_id", req.ID, "status", inst.Status)

		return nil
	}

	r, err := e.loadRun(ctx, repos, outbox, inst)
	if err != nil {
		return err
	}

	exec := r.exec(req.StepExecutionID)
	if exec == nil {
		return apperr.NotFound(op, "step execution %s", req.StepExecutionID)
	}

	if exec.Status.IsTerminal() {
		return apperr.Conflict(op, "step %d is already %s", exec.StepNumber, exec.Status)
	}

	to := models.StepCompleted
	if req.Status == models.ApprovalRejected {
		to = models.StepFailed
	}

	exec.Decision = req.Decision
	exec.Note = req.DecisionReason

	if err := exec.Transition(to, r.now); err != nil {
		return apperr.Conflict(op, "%v", err)
	}

	if err := repos.Steps().Update(ctx, exec); err != nil {
		return persistence.Translate(op, err)
	}

	if err := r.drive(); err != nil {
		return err
	}

	return r.save()
}

// Escalate closes req as escalated and continues the chain: a new request one
// level up, or, once the chain is exhausted, the step ends escalated (or timed
// out when the step never escalates) and the instance with it.
func (e *Engine) Escalate(ctx context.Context, repos persistence.Repositories, outbox *notify.Outbox, req *models.ApprovalRequest, cause string) error {
	const op = "engine.Escalate"

	now := e.now()
	previous := req.Assignment()
	notified := e.resolver.Recipients(ctx, req.CompanyID, previous)

	if err := req.Close(models.ApprovalEscalated, now); err != nil {
		return apperr.Conflict(op, "%v", err)
	}

	req.UpdatedAt = now

	if err := repos.Approvals().Update(ctx, req); err != nil {
		return persistence.Translate(op, err)
	}

	e.metrics.Escalation(cause)
	e.logger.InfoContext(ctx, "approval request escalated",
		"request_id", req.ID, "cause", cause, "level", req.EscalationLevel)

	ev := notify.RequestEvent(req, "", string(events.ApprovalEscalated), "closed", now)
	outbox.Add(ev, append(notified, req.RequestedBy)...)

	if req.IsAdHoc() {
		return e.continueAdHoc(ctx, repos, outbox, req, previous)
	}

	inst, err := repos.Instances().ByID(ctx, req.WorkflowInstanceID)
	if err != nil {
		return persistence.Translate(op, err)
	}

	if inst.Status.IsTerminal() {
		return nil
	}

	r, err := e.loadRun(ctx, repos, outbox, inst)
	if err != nil {
		return err
	}

	exec := r.exec(req.StepExecutionID)
	if exec == nil || exec.Status.IsTerminal() {
		return nil
	}

	node, ok := r.graph.Node(exec.StepNumber)
	if !ok {
		return apperr.NotFound(op, "step %d in template snapshot", exec.StepNumber)
	}

	def := node.Step
	target := r.escalationTarget(def)
	exec.EscalationCount++

	var (
		res    assignees.Resolution
		resErr error
	)

	switch {
	case target == models.EscalateNone:
		resErr = apperr.Resolution(op, "step %d does not escalate", exec.StepNumber)
	case exec.EscalationCount > e.escalation.MaxDepth:
		resErr = apperr.Resolution(op, "escalation depth %d reached", e.escalation.MaxDepth)
	default:
		res, resErr = e.resolver.ResolveEscalation(ctx, r.escalationSpec(def, previous.UserID))
	}

	if resErr != nil {
		if !apperr.IsResolution(resErr) {
			return resErr
		}

		terminal := models.StepEscalated
		if target == models.EscalateNone && (cause == CauseTimeout || cause == CauseExpired) {
			terminal = models.StepTimeout
		}

		exec.Note = fmt.Sprintf("%s: %v", cause, resErr)

		if err := exec.Transition(terminal, now); err != nil {
			return apperr.Conflict(op, "%v", err)
		}

		if err := repos.Steps().Update(ctx, exec); err != nil {
			return persistence.Translate(op, err)
		}

		if err := r.drive(); err != nil {
			return err
		}

		return r.save()
	}

	exec.DeadlineAt = r.deadline(def)
	exec.AssigneeIDs = res.UserIDs
	exec.AssignedRole = res.Role
	exec.Note = "escalated: " + cause

	d := r.draft(def, exec, res)
	d.Title = req.Title
	d.Data = req.Data
	d.EscalatedFromID = req.ID
	d.EscalationLevel = req.EscalationLevel + 1

	next, err := e.approvals.Materialize(ctx, repos, outbox, d)
	if err != nil {
		return err
	}

	exec.ApprovalRequestID = next.ID

	if err := repos.Steps().Update(ctx, exec); err != nil {
		return persistence.Translate(op, err)
	}

	return nil
}

// continueAdHoc re-addresses an escalated ad-hoc request one level up. An
// exhausted chain leaves the request closed as escalated.
func (e *Engine) continueAdHoc(ctx context.Context, repos persistence.Repositories, outbox *notify.Outbox, req *models.ApprovalRequest, previous models.Assignment) error {
	if req.EscalationLevel >= e.escalation.MaxDepth {
		e.logger.WarnContext(ctx, "escalation depth reached", "request_id", req.ID, "level", req.EscalationLevel)

		return nil
	}

	target := models.EscalationTarget(e.escalation.DefaultTarget)
	if target == "" {
		target = models.EscalateToManager
	}

	res, err := e.resolver.ResolveEscalation(ctx, assignees.EscalationSpec{
		CompanyID:   req.CompanyID,
		Target:      target,
		RequesterID: req.RequestedBy,
		Exclude:     previous.UserID,
	})
	if err != nil {
		if !apperr.IsResolution(err) {
			return err
		}

		e.logger.WarnContext(ctx, "no escalation target for request", "request_id", req.ID, "error", err)

		return nil
	}

	now := e.now()

	d := approvals.Draft{
		CompanyID:       req.CompanyID,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		RequestType:     req.RequestType,
		Priority:        req.Priority,
		Title:           req.Title,
		Description:     req.Description,
		Data:            req.Data,
		Conditions:      req.Conditions,
		RequestedBy:     req.RequestedBy,
		Assignment:      res.Assignment(),
		EscalatedFromID: req.ID,
		EscalationLevel: req.EscalationLevel + 1,
	}

	if req.ExpiresAt != nil {
		if window := req.ExpiresAt.Sub(req.RequestedAt); window > 0 {
			at := now.Add(window)
			d.ExpiresAt = &at
		}
	}

	_, err = e.approvals.Materialize(ctx, repos, outbox, d)

	return err
}

// EscalateRequest escalates an open request in its own transaction. It
// reports false when the request was already resolved.
func (e *Engine) EscalateRequest(ctx context.Context, requestID, cause string) (bool, error) {
	const op = "engine.EscalateRequest"

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), op,
		attribute.String(otelhelper.RequestIDKey, requestID),
	)
	defer span.End()

	var (
		outbox    notify.Outbox
		escalated bool
	)

	err := e.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()
		escalated = false

		req, err := repos.Approvals().ByID(ctx, requestID)
		if err != nil {
			return persistence.Translate(op, err)
		}

		if !req.Status.IsOpen() {
			return nil
		}

		if err := e.Escalate(ctx, repos, &outbox, req, cause); err != nil {
			return err
		}

		escalated = true

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return false, err
	}

	outbox.Deliver(ctx, e.notifier, e.async)

	return escalated, nil
}

// Reconcile re-derives an in-progress instance from its stored steps,
// activating steps a crash left unactivated and finishing instances whose
// steps already decided them. It reports whether anything changed.
func (e *Engine) Reconcile(ctx context.Context, instanceID string) (bool, error) {
	const op = "engine.Reconcile"

	var (
		outbox notify.Outbox
		healed bool
	)

	err := e.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()
		healed = false

		inst, err := repos.Instances().ByID(ctx, instanceID)
		if err != nil {
			return persistence.Translate(op, err)
		}

		if inst.Status != models.InstanceInProgress {
			return nil
		}

		r, err := e.loadRun(ctx, repos, &outbox, inst)
		if err != nil {
			return err
		}

		activated := len(r.execs)
		current := stepNumber(inst.CurrentStepNumber)

		if err := r.drive(); err != nil {
			return err
		}

		healed = len(r.execs) != activated ||
			inst.Status != models.InstanceInProgress ||
			stepNumber(inst.CurrentStepNumber) != current
		if !healed {
			return nil
		}

		e.logger.WarnContext(ctx, "instance reconciled",
			"instance_id", inst.ID, "status", inst.Status, "activated", len(r.execs)-activated)

		return r.save()
	})
	if err != nil {
		return false, err
	}

	outbox.Deliver(ctx, e.notifier, e.async)

	return healed, nil
}

func stepNumber(n *int) int {
	if n == nil {
		return 0
	}

	return *n
}
