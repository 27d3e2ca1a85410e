package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/approvals"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/templates"
	"github.com/google/uuid"
)

// run is one pass of the state machine over an instance inside a transaction.
type run struct {
	e      *Engine
	ctx    context.Context
	repos  persistence.Repositories
	outbox *notify.Outbox
	inst   *models.WorkflowInstance
	graph  *templates.Graph
	execs  map[int]*models.StepExecution
	now    time.Time
}

func (e *Engine) newRun(
	ctx context.Context,
	repos persistence.Repositories,
	outbox *notify.Outbox,
	inst *models.WorkflowInstance,
	graph *templates.Graph,
	execs []*models.StepExecution,
) *run {
	r := &run{
		e:      e,
		ctx:    ctx,
		repos:  repos,
		outbox: outbox,
		inst:   inst,
		graph:  graph,
		execs:  make(map[int]*models.StepExecution, len(execs)),
		now:    e.now(),
	}

	for _, exec := range execs {
		r.execs[exec.StepNumber] = exec
	}

	return r
}

// loadRun compiles the instance's template snapshot and loads its executions.
func (e *Engine) loadRun(ctx context.Context, repos persistence.Repositories, outbox *notify.Outbox, inst *models.WorkflowInstance) (*run, error) {
	const op = "engine.loadRun"

	graph, err := templates.Compile(inst.Template.Steps)
	if err != nil {
		return nil, fmt.Errorf("%s: instance %s: %w", op, inst.ID, err)
	}

	execs, err := repos.Steps().ByInstance(ctx, inst.ID)
	if err != nil {
		return nil, persistence.Translate(op, err)
	}

	return e.newRun(ctx, repos, outbox, inst, graph, execs), nil
}

func (r *run) save() error {
	r.inst.UpdatedAt = r.now

	return persistence.Translate("engine.save", r.repos.Instances().Update(r.ctx, r.inst))
}

func (r *run) exec(id string) *models.StepExecution {
	for _, exec := range r.execs {
		if exec.ID == id {
			return exec
		}
	}

	return nil
}

func (r *run) creator() string {
	if r.inst.Snapshot.CreatedBy != "" {
		return r.inst.Snapshot.CreatedBy
	}

	return r.inst.StartedBy
}

type verdict int

const (
	waiting verdict = iota
	passed
	failed
)

type outcome struct {
	verdict verdict
	next    int
	status  models.InstanceStatus
	reason  string
}

// drive walks the graph from the entry node over resolved steps, activating
// the first cohort that has no executions yet. It stops at a cohort still
// waiting for people, or finishes the instance.
func (r *run) drive() error {
	if r.inst.Status.IsTerminal() {
		return nil
	}

	idx := r.graph.First().Index

	for {
		node := r.graph.At(idx)
		if node == nil {
			return r.finish(models.InstanceCompleted, "approved")
		}

		cohort := r.graph.Cohort(node)
		current := cohort[0].Step.StepNumber
		r.inst.CurrentStepNumber = &current

		members := make([]*models.StepExecution, 0, len(cohort))

		for _, n := range cohort {
			exec := r.execs[n.Step.StepNumber]
			if exec == nil {
				var err error

				exec, err = r.activate(n)
				if err != nil {
					return err
				}

				r.execs[n.Step.StepNumber] = exec
			}

			members = append(members, exec)
		}

		out := r.settle(cohort, members)

		switch out.verdict {
		case waiting:
			return nil
		case failed:
			return r.finish(out.status, out.reason)
		}

		idx = out.next
	}
}

// settle decides a cohort. Escalated or timed out members end the instance.
// A single step advances on completed or skipped. A parallel group waits for
// every member and passes on a strict majority of approvals; with all_required
// the first failure fails it at once.
func (r *run) settle(cohort []*templates.Node, members []*models.StepExecution) outcome {
	for _, m := range members {
		switch m.Status {
		case models.StepEscalated:
			return outcome{verdict: failed, status: models.InstanceEscalated, reason: fmt.Sprintf("step %d escalated", m.StepNumber)}
		case models.StepTimeout:
			return outcome{verdict: failed, status: models.InstanceTimeout, reason: fmt.Sprintf("step %d timed out", m.StepNumber)}
		}
	}

	if len(cohort) == 1 {
		m := members[0]

		switch {
		case !m.Status.IsTerminal():
			return outcome{verdict: waiting}
		case m.Status.Advances():
			return outcome{verdict: passed, next: r.successor(cohort[0], m)}
		default:
			return outcome{verdict: failed, status: models.InstanceFailed, reason: failure(m)}
		}
	}

	allRequired := false

	for _, n := range cohort {
		allRequired = allRequired || n.Step.AllRequired
	}

	var (
		counted, approved, pending int
		firstFailure               *models.StepExecution
	)

	for _, m := range members {
		switch {
		case !m.Status.IsTerminal():
			pending++
		case m.Status == models.StepSkipped:
		case m.Status == models.StepCompleted:
			counted++
			approved++
		default:
			counted++

			if firstFailure == nil {
				firstFailure = m
			}
		}
	}

	if allRequired && firstFailure != nil {
		return outcome{verdict: failed, status: models.InstanceFailed, reason: failure(firstFailure)}
	}

	if pending > 0 {
		return outcome{verdict: waiting}
	}

	if counted == 0 || approved*2 > counted {
		return outcome{verdict: passed, next: cohort[0].Next}
	}

	return outcome{
		verdict: failed,
		status:  models.InstanceFailed,
		reason:  fmt.Sprintf("parallel group rejected, %d of %d approved", approved, counted),
	}
}

func (r *run) successor(n *templates.Node, exec *models.StepExecution) int {
	if n.Step.Type != models.StepConditionalLogic || exec.Status != models.StepCompleted {
		return n.Next
	}

	if exec.NextStepNumber == nil {
		return templates.End
	}

	target, ok := r.graph.Node(*exec.NextStepNumber)
	if !ok {
		return templates.End
	}

	return target.Index
}

func failure(exec *models.StepExecution) string {
	if exec.Decision == models.DecisionRejected {
		return fmt.Sprintf("rejected at step %d", exec.StepNumber)
	}

	if exec.Note != "" {
		return fmt.Sprintf("step %d failed: %s", exec.StepNumber, exec.Note)
	}

	return fmt.Sprintf("step %d failed", exec.StepNumber)
}

// finish moves the instance to a terminal state, cancels its open requests and
// skips steps still waiting.
func (r *run) finish(status models.InstanceStatus, reason string) error {
	const op = "engine.finish"

	if err := r.inst.Finish(status, reason, r.now); err != nil {
		return apperr.Conflict(op, "%v", err)
	}

	requests, err := r.repos.Approvals().ByInstance(r.ctx, r.inst.ID)
	if err != nil {
		return persistence.Translate(op, err)
	}

	for _, req := range requests {
		if !req.Status.IsOpen() {
			continue
		}

		if err := req.Close(models.ApprovalCancelled, r.now); err != nil {
			return apperr.Conflict(op, "%v", err)
		}

		req.UpdatedAt = r.now

		if err := r.repos.Approvals().Update(r.ctx, req); err != nil {
			return persistence.Translate(op, err)
		}

		ev := notify.RequestEvent(req, "", string(events.ApprovalCancelled), "cancelled", r.now)
		r.outbox.Add(ev, r.e.resolver.Recipients(r.ctx, req.CompanyID, req.Assignment())...)
	}

	for _, number := range slices.Sorted(maps.Keys(r.execs)) {
		exec := r.execs[number]
		if exec.Status.IsTerminal() {
			continue
		}

		if err := exec.Transition(models.StepSkipped, r.now); err != nil {
			return apperr.Conflict(op, "%v", err)
		}

		exec.Note = "instance " + string(status)

		if err := r.repos.Steps().Update(r.ctx, exec); err != nil {
			return persistence.Translate(op, err)
		}
	}

	r.e.metrics.InstanceStatus(string(status))
	r.e.logger.InfoContext(r.ctx, "workflow instance finished",
		"instance_id", r.inst.ID, "status", status, "outcome", reason)

	r.outbox.Add(notify.Event{
		ID:           r.inst.ID + ":finished",
		CompanyID:    r.inst.CompanyID,
		RealtimeType: string(events.InstanceFinished),
		Data:         instanceData(r.inst),
		OccurredAt:   r.now,
	}, r.inst.StartedBy)

	return nil
}

// activate creates the execution for n and performs its activation effect.
func (r *run) activate(n *templates.Node) (*models.StepExecution, error) {
	const op = "engine.activate"

	def := n.Step
	exec := &models.StepExecution{
		ID:          uuid.NewString(),
		InstanceID:  r.inst.ID,
		StepNumber:  def.StepNumber,
		Status:      models.StepPending,
		ActivatedAt: r.now,
	}

	if err := r.repos.Steps().Create(r.ctx, exec); err != nil {
		return nil, persistence.Translate(op, err)
	}

	var err error

	switch def.Type {
	case models.StepApproval, models.StepParallelApproval, models.StepSequentialApproval, models.StepEscalation:
		err = r.activateHuman(def, exec)
	case models.StepNotification:
		err = r.activateNotification(def, exec)
	case models.StepAutomaticAction, models.StepIntegration:
		err = r.runAction(def, exec)
	case models.StepDataValidation:
		err = r.validateData(def, exec)
	case models.StepConditionalLogic:
		err = r.branch(n, exec)
	default:
		err = r.resolveAutomatic(def, exec, fmt.Errorf("unsupported step type %q", def.Type))
	}

	if err != nil {
		return nil, err
	}

	if err := r.repos.Steps().Update(r.ctx, exec); err != nil {
		return nil, persistence.Translate(op, err)
	}

	r.e.logger.DebugContext(r.ctx, "step activated",
		"instance_id", r.inst.ID, "step", def.StepNumber, "type", def.Type, "status", exec.Status)

	return exec, nil
}

func (r *run) deadline(def models.WorkflowStepDefinition) *time.Time {
	timeout := def.Timeout()
	if timeout <= 0 {
		return nil
	}

	at := r.now.Add(timeout)

	return &at
}

func (r *run) escalationTarget(def models.WorkflowStepDefinition) models.EscalationTarget {
	if def.EscalationTarget != "" {
		return def.EscalationTarget
	}

	if r.e.escalation.DefaultTarget != "" {
		return models.EscalationTarget(r.e.escalation.DefaultTarget)
	}

	return models.EscalateToManager
}

func (r *run) escalationSpec(def models.WorkflowStepDefinition, exclude string) assignees.EscalationSpec {
	return assignees.EscalationSpec{
		CompanyID:   r.inst.CompanyID,
		Target:      r.escalationTarget(def),
		Role:        def.EscalationRole,
		RequesterID: r.creator(),
		Exclude:     exclude,
	}
}

func (r *run) draft(def models.WorkflowStepDefinition, exec *models.StepExecution, res assignees.Resolution) approvals.Draft {
	return approvals.Draft{
		CompanyID:       r.inst.CompanyID,
		InstanceID:      r.inst.ID,
		StepExecutionID: exec.ID,
		EntityType:      r.inst.EntityType,
		EntityID:        r.inst.EntityID,
		RequestType:     string(def.Type),
		Priority:        def.Priority,
		Title:           fmt.Sprintf("%s: %s %s", def.Name, r.inst.EntityType, r.inst.EntityID),
		Description:     def.Description,
		Data:            r.inst.Snapshot.Fields,
		Conditions:      def.Conditions,
		RequestedBy:     r.creator(),
		Assignment:      res.Assignment(),
		ExpiresAt:       exec.DeadlineAt,
	}
}

// activateHuman resolves assignees and materializes the backing request. An
// empty resolution skips an optional step and escalates a required one.
func (r *run) activateHuman(def models.WorkflowStepDefinition, exec *models.StepExecution) error {
	res, err := r.e.resolver.Resolve(r.ctx, assignees.Spec{
		CompanyID: r.inst.CompanyID,
		Type:      def.AssigneeType,
		Ref:       def.AssigneeRef,
		CreatorID: r.creator(),
	})

	level := 0

	if err != nil {
		if !apperr.IsResolution(err) {
			return err
		}

		if !def.IsRequired {
			exec.Note = "skipped: " + err.Error()

			return exec.Transition(models.StepSkipped, r.now)
		}

		r.e.logger.WarnContext(r.ctx, "step assignee resolved empty, escalating",
			"instance_id", r.inst.ID, "step", def.StepNumber, "error", err)
		r.e.metrics.Escalation("unresolved")

		res, err = r.e.resolver.ResolveEscalation(r.ctx, r.escalationSpec(def, ""))
		if err != nil {
			if !apperr.IsResolution(err) {
				return err
			}

			exec.Note = "no assignee and no escalation path: " + err.Error()

			return exec.Transition(models.StepEscalated, r.now)
		}

		exec.EscalationCount = 1
		level = 1
	}

	exec.AssigneeIDs = res.UserIDs
	exec.AssignedRole = res.Role
	exec.DeadlineAt = r.deadline(def)

	d := r.draft(def, exec, res)
	d.EscalationLevel = level

	req, err := r.e.approvals.Materialize(r.ctx, r.repos, r.outbox, d)
	if err != nil {
		return err
	}

	exec.ApprovalRequestID = req.ID

	return exec.Transition(models.StepAssigned, r.now)
}

func (r *run) activateNotification(def models.WorkflowStepDefinition, exec *models.StepExecution) error {
	res, err := r.e.resolver.Resolve(r.ctx, assignees.Spec{
		CompanyID: r.inst.CompanyID,
		Type:      def.AssigneeType,
		Ref:       def.AssigneeRef,
		CreatorID: r.creator(),
	})
	if err != nil {
		if !apperr.IsResolution(err) {
			return err
		}

		return r.resolveAutomatic(def, exec, err)
	}

	exec.AssigneeIDs = res.UserIDs
	exec.AssignedRole = res.Role

	data := instanceData(r.inst)
	data["step_number"] = def.StepNumber
	data["step_name"] = def.Name

	r.outbox.Add(notify.Event{
		ID:        r.inst.ID + ":step:" + strconv.Itoa(def.StepNumber),
		CompanyID: r.inst.CompanyID,
		Template:  models.TemplateApprovalRequest,
		Subject:   def.Name,
		Variables: map[string]string{
			"title":       def.Name,
			"instance_id": r.inst.ID,
			"entity_type": string(r.inst.EntityType),
			"entity_id":   r.inst.EntityID,
			"step_name":   def.Name,
			"priority":    string(def.Priority),
		},
		RealtimeType: string(events.StepNotification),
		Data:         data,
		OccurredAt:   r.now,
	}, res.UserIDs...)

	return exec.Transition(models.StepCompleted, r.now)
}

func (r *run) runAction(def models.WorkflowStepDefinition, exec *models.StepExecution) error {
	action, ok := r.e.actions[def.Action]
	if !ok {
		return r.resolveAutomatic(def, exec, fmt.Errorf("action %q is not registered", def.Action))
	}

	err := action.Run(r.ctx, ActionInput{
		Instance: r.inst,
		Step:     def,
		Config:   def.ActionConfig,
		Snapshot: r.inst.Snapshot,
	})

	return r.resolveAutomatic(def, exec, err)
}

func (r *run) snapshot() (models.EntitySnapshot, error) {
	if r.e.entities == nil {
		return r.inst.Snapshot, nil
	}

	return r.e.entities.Snapshot(r.ctx, r.inst.CompanyID, r.inst.EntityType, r.inst.EntityID)
}

func (r *run) validateData(def models.WorkflowStepDefinition, exec *models.StepExecution) error {
	snap, err := r.snapshot()
	if err != nil {
		return r.resolveAutomatic(def, exec, fmt.Errorf("reading entity: %w", err))
	}

	result := r.e.evaluator.Evaluate(def.Conditions, snap)
	if !result.Matched {
		return r.resolveAutomatic(def, exec, fmt.Errorf("validation failed on %s", result.FailedOn))
	}

	return r.resolveAutomatic(def, exec, nil)
}

// branch records the first matching branch target, else the default.
func (r *run) branch(n *templates.Node, exec *models.StepExecution) error {
	snap, err := r.snapshot()
	if err != nil {
		return r.resolveAutomatic(n.Step, exec, fmt.Errorf("reading entity: %w", err))
	}

	target := n.Default

	for _, edge := range n.Branches {
		if r.e.evaluator.Matches(&edge.Conditions, snap) {
			target = edge.Target

			break
		}
	}

	if next := r.graph.At(target); next != nil {
		number := next.Step.StepNumber
		exec.NextStepNumber = &number
		exec.Note = "branch to step " + strconv.Itoa(number)
	} else {
		exec.Note = "branch to end"
	}

	return exec.Transition(models.StepCompleted, r.now)
}

// resolveAutomatic completes an automatic step, or fails it on cause. Optional
// steps are skipped instead of failed.
func (r *run) resolveAutomatic(def models.WorkflowStepDefinition, exec *models.StepExecution, cause error) error {
	if cause == nil {
		return exec.Transition(models.StepCompleted, r.now)
	}

	exec.Note = cause.Error()

	r.e.logger.WarnContext(r.ctx, "automatic step did not succeed",
		"instance_id", r.inst.ID, "step", def.StepNumber, "required", def.IsRequired, "error", cause)

	if !def.IsRequired {
		return exec.Transition(models.StepSkipped, r.now)
	}

	return exec.Transition(models.StepFailed, r.now)
}
