// Package engine is the workflow instance state machine. It turns business
// triggers into instances, activates steps, advances sequential and parallel
// steps as their requests resolve, and escalates overdue work.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/approvals"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/conditions"
	"github.com/absamo/triven-workflow/pkg/config"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/metrics"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/otelhelper"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/templates"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ActionInput is what an automatic_action or integration step hands its action.
type ActionInput struct {
	Instance *models.WorkflowInstance
	Step     models.WorkflowStepDefinition
	Config   models.Payload
	Snapshot models.EntitySnapshot
}

// Action is a side effect run synchronously when its step activates.
type Action interface {
	Run(ctx context.Context, in ActionInput) error
}

type ActionFunc func(ctx context.Context, in ActionInput) error

func (f ActionFunc) Run(ctx context.Context, in ActionInput) error {
	return f(ctx, in)
}

// EntitySource reads the live state of a business object for data_validation
// and conditional_logic steps. Without one those steps evaluate the snapshot
// taken when the instance was triggered.
type EntitySource interface {
	Snapshot(ctx context.Context, companyID string, entityType models.EntityType, entityID string) (models.EntitySnapshot, error)
}

type Engine struct {
	store      persistence.Persistence
	templates  *templates.Service
	evaluator  *conditions.Evaluator
	resolver   *assignees.Resolver
	approvals  *approvals.Service
	notifier   notify.Notifier
	actions    map[string]Action
	entities   EntitySource
	escalation config.Escalation
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
	async      bool
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithAction(name string, action Action) Option {
	return func(e *Engine) { e.actions[name] = action }
}

// WithEntitySource makes automatic steps read the entity at evaluation time
// instead of the trigger-time snapshot.
func WithEntitySource(source EntitySource) Option {
	return func(e *Engine) { e.entities = source }
}

func WithEscalation(cfg config.Escalation) Option {
	return func(e *Engine) { e.escalation = cfg }
}

// WithAsyncDelivery hands committed notifications to a background goroutine.
func WithAsyncDelivery(async bool) Option {
	return func(e *Engine) { e.async = async }
}

// New builds the engine and registers it as the step coordinator of svc.
func New(
	store persistence.Persistence,
	tmpl *templates.Service,
	evaluator *conditions.Evaluator,
	resolver *assignees.Resolver,
	svc *approvals.Service,
	notifier notify.Notifier,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:      store,
		templates:  tmpl,
		evaluator:  evaluator,
		resolver:   resolver,
		approvals:  svc,
		notifier:   notifier,
		actions:    map[string]Action{},
		escalation: config.Default().Escalation,
		logger:     logger.With("module", "engine"),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.escalation.MaxDepth < 1 {
		e.escalation.MaxDepth = 1
	}

	svc.SetCoordinator(e)

	return e
}

// RegisterAction adds or replaces a named action.
func (e *Engine) RegisterAction(name string, action Action) {
	e.actions[name] = action
}

// Trigger is one business event.
type Trigger struct {
	CompanyID  string
	EntityType models.EntityType
	EntityID   string
	Type       models.TriggerType
	Snapshot   models.EntitySnapshot
	// ActorID is recorded as the instance starter; the snapshot creator when empty.
	ActorID string
}

// HandleTrigger starts one instance per matching active template of the
// company. A template that already has a running instance for the entity is
// skipped. Failures of one template do not stop the others.
func (e *Engine) HandleTrigger(ctx context.Context, t Trigger) ([]*models.WorkflowInstance, error) {
	const op = "engine.HandleTrigger"

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), op,
		attribute.String(otelhelper.CompanyIDKey, t.CompanyID),
		attribute.String(otelhelper.EntityTypeKey, string(t.EntityType)),
		attribute.String(otelhelper.TriggerTypeKey, string(t.Type)),
	)
	defer span.End()

	switch {
	case t.CompanyID == "":
		return nil, apperr.Validation(op, "company is required")
	case t.EntityID == "":
		return nil, apperr.Validation(op, "entity id is required")
	case !t.EntityType.Valid():
		return nil, apperr.Validation(op, "unknown entity type %q", t.EntityType)
	case !t.Type.Valid():
		return nil, apperr.Validation(op, "unknown trigger type %q", t.Type)
	}

	if t.Snapshot.Timestamp.IsZero() {
		t.Snapshot.Timestamp = e.now()
	}

	candidates, err := e.templates.Active(ctx, t.CompanyID, t.EntityType, t.Type)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	var (
		started []*models.WorkflowInstance
		errs    []error
	)

	for _, tmpl := range candidates {
		result := e.evaluator.Evaluate(tmpl.TriggerConditions, t.Snapshot)
		if !result.Matched {
			e.logger.DebugContext(ctx, "template conditions not met",
				"template_id", tmpl.ID, "failed_on", result.FailedOn)

			continue
		}

		inst, err := e.start(ctx, tmpl, t, result)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to start workflow instance", "template_id", tmpl.ID, "error", err)
			errs = append(errs, fmt.Errorf("template %s: %w", tmpl.ID, err))

			continue
		}

		if inst != nil {
			started = append(started, inst)
		}
	}

	err = errors.Join(errs...)
	otelhelper.SetError(span, err)

	return started, err
}

func (e *Engine) start(ctx context.Context, tmpl *models.WorkflowTemplate, t Trigger, matched conditions.Result) (*models.WorkflowInstance, error) {
	const op = "engine.start"

	graph, err := templates.Compile(tmpl.Steps)
	if err != nil {
		return nil, apperr.Validation(op, "template %s: %v", tmpl.ID, err)
	}

	var (
		outbox notify.Outbox
		inst   *models.WorkflowInstance
	)

	err = e.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()
		inst = nil

		running, _, err := repos.Instances().List(ctx, persistence.InstanceFilter{
			CompanyID:  t.CompanyID,
			EntityType: t.EntityType,
			EntityID:   t.EntityID,
			Statuses:   []models.InstanceStatus{models.InstancePending, models.InstanceInProgress},
			Page:       persistence.Page{Limit: persistence.MaxPageLimit},
		})
		if err != nil {
			return persistence.Translate(op, err)
		}

		for _, other := range running {
			if other.TemplateID == tmpl.ID {
				e.logger.InfoContext(ctx, "instance already running for entity",
					"template_id", tmpl.ID, "instance_id", other.ID, "entity_id", t.EntityID)

				return nil
			}
		}

		now := e.now()

		startedBy := t.ActorID
		if startedBy == "" {
			startedBy = t.Snapshot.CreatedBy
		}

		created := &models.WorkflowInstance{
			ID:              uuid.NewString(),
			CompanyID:       t.CompanyID,
			TemplateID:      tmpl.ID,
			TemplateVersion: tmpl.Version,
			Template:        *tmpl,
			EntityType:      t.EntityType,
			EntityID:        t.EntityID,
			Status:          models.InstancePending,
			Snapshot:        t.Snapshot,
			StartedBy:       startedBy,
			StartedAt:       now,
			UpdatedAt:       now,
		}

		if err := repos.Instances().Create(ctx, created); err != nil {
			return persistence.Translate(op, err)
		}

		if err := created.Start(now); err != nil {
			return apperr.Conflict(op, "%v", err)
		}

		r := e.newRun(ctx, repos, &outbox, created, graph, nil)
		if err := r.drive(); err != nil {
			return err
		}

		if err := r.save(); err != nil {
			return err
		}

		inst = created

		return nil
	})
	if err != nil || inst == nil {
		return nil, err
	}

	e.metrics.InstanceStatus(string(models.InstanceInProgress))
	e.logger.InfoContext(ctx, "workflow instance started",
		"instance_id", inst.ID, "template_id", tmpl.ID, "entity_id", inst.EntityID,
		"matched", matched.Satisfied, "status", inst.Status)

	outbox.Add(notify.Event{
		ID:           inst.ID + ":started",
		CompanyID:    inst.CompanyID,
		RealtimeType: string(events.InstanceStarted),
		Data:         instanceData(inst),
		OccurredAt:   inst.StartedAt,
	}, inst.StartedBy)
	outbox.Deliver(ctx, e.notifier, e.async)

	return inst, nil
}

type CancelInput struct {
	InstanceID string
	CompanyID  string
	ActorID    string
	Reason     string
}

// Cancel ends a running instance. Its open requests are cancelled, comment history is kept.
func (e *Engine) Cancel(ctx context.Context, in CancelInput) (*models.WorkflowInstance, error) {
	const op = "engine.Cancel"

	var (
		outbox notify.Outbox
		result *models.WorkflowInstance
	)

	err := e.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()

		inst, err := e.loadInstance(ctx, op, repos, in.CompanyID, in.InstanceID)
		if err != nil {
			return err
		}

		if in.ActorID != inst.StartedBy {
			ok, err := e.resolver.HasPermission(ctx, in.ActorID, assignees.PermissionOverride)
			if err != nil {
				return apperr.Wrap(apperr.KindExternal, op, err)
			}

			if !ok {
				return apperr.Forbidden(op, "user %s may not cancel instance %s", in.ActorID, inst.ID)
			}
		}

		if inst.Status.IsTerminal() {
			return apperr.Conflict(op, "instance %s is already %s", inst.ID, inst.Status)
		}

		reason := in.Reason
		if reason == "" {
			reason = "cancelled by " + in.ActorID
		}

		r, err := e.loadRun(ctx, repos, &outbox, inst)
		if err != nil {
			return err
		}

		if err := r.finish(models.InstanceCancelled, reason); err != nil {
			return err
		}

		if err := r.save(); err != nil {
			return err
		}

		result = inst

		return nil
	})
	if err != nil {
		return nil, err
	}

	outbox.Deliver(ctx, e.notifier, e.async)

	return result, nil
}

// InstanceDetail is an instance with its step executions and requests.
type InstanceDetail struct {
	Instance *models.WorkflowInstance  `json:"instance"`
	Steps    []*models.StepExecution   `json:"steps"`
	Requests []*models.ApprovalRequest `json:"requests"`
}

func (e *Engine) Instance(ctx context.Context, companyID, id string) (*InstanceDetail, error) {
	const op = "engine.Instance"

	inst, err := e.loadInstance(ctx, op, e.store, companyID, id)
	if err != nil {
		return nil, err
	}

	steps, err := e.store.Steps().ByInstance(ctx, id)
	if err != nil {
		return nil, persistence.Translate(op, err)
	}

	requests, err := e.store.Approvals().ByInstance(ctx, id)
	if err != nil {
		return nil, persistence.Translate(op, err)
	}

	return &InstanceDetail{Instance: inst, Steps: steps, Requests: requests}, nil
}

type InstanceList struct {
	Items       []*models.WorkflowInstance `json:"items"`
	Total       int                        `json:"total"`
	HasNextPage bool                       `json:"has_next_page"`
}

// Instances lists instances of one company by status and entity.
func (e *Engine) Instances(ctx context.Context, filter persistence.InstanceFilter) (*InstanceList, error) {
	const op = "engine.Instances"

	if filter.CompanyID == "" {
		return nil, apperr.Validation(op, "company is required")
	}

	filter.Page = filter.Page.Normalize()

	items, total, err := e.store.Instances().List(ctx, filter)
	if err != nil {
		return nil, persistence.Translate(op, err)
	}

	return &InstanceList{Items: items, Total: total, HasNextPage: filter.Page.Offset+len(items) < total}, nil
}

func (e *Engine) loadInstance(ctx context.Context, op string, repos persistence.Repositories, companyID, id string) (*models.WorkflowInstance, error) {
	inst, err := repos.Instances().ByID(ctx, id)
	if err != nil {
		return nil, persistence.Translate(op, err)
	}

	if companyID != "" && inst.CompanyID != companyID {
		return nil, apperr.NotFound(op, "workflow instance %s", id)
	}

	return inst, nil
}

func instanceData(inst *models.WorkflowInstance) map[string]any {
	return map[string]any{
		"instance_id": inst.ID,
		"template_id": inst.TemplateID,
		"status":      string(inst.Status),
		"entity_type": string(inst.EntityType),
		"entity_id":   inst.EntityID,
		"outcome":     inst.Outcome,
	}
}
