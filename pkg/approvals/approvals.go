// Package approvals owns the approval request lifecycle: creation, opening,
// review decisions, the more-info round trip, cancellation and comments.
//
// Every transition runs in one persistence transaction and is a version
// check-and-set on the request, so concurrent reviewers produce exactly one
// winner. Notifications are collected during the transaction and delivered
// only after it commits.
package approvals

import (
	"context"
	"log/slog"
	"time"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/metrics"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/otelhelper"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/reassignment"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// StepCoordinator is told about requests that back a workflow step. Both calls
// run inside the transaction of the triggering transition.
type StepCoordinator interface {
	reassignment.StepTracker

	// RequestOpened runs after a reviewer moved req to in_review.
	RequestOpened(ctx context.Context, repos persistence.Repositories, req *models.ApprovalRequest) error
	// RequestResolved runs after req reached approved or rejected and was persisted.
	RequestResolved(ctx context.Context, repos persistence.Repositories, outbox *notify.Outbox, req *models.ApprovalRequest) error
	// Escalate closes the open req as escalated, persists it and continues the chain.
	Escalate(ctx context.Context, repos persistence.Repositories, outbox *notify.Outbox, req *models.ApprovalRequest, cause string) error
}

type Service struct {
	store       persistence.Persistence
	resolver    *assignees.Resolver
	reassigner  *reassignment.Handler
	notifier    notify.Notifier
	coordinator StepCoordinator
	validate    *validator.Validate
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time
	async       bool
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAsyncDelivery hands committed notifications to a background goroutine.
func WithAsyncDelivery(async bool) Option {
	return func(s *Service) { s.async = async }
}

func NewService(
	store persistence.Persistence,
	resolver *assignees.Resolver,
	reassigner *reassignment.Handler,
	notifier notify.Notifier,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		store:      store,
		resolver:   resolver,
		reassigner: reassigner,
		notifier:   notifier,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With("module", "approvals"),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SetCoordinator registers the workflow engine. Requests backing a step need one.
func (s *Service) SetCoordinator(c StepCoordinator) {
	s.coordinator = c

	if s.reassigner != nil {
		s.reassigner.SetStepTracker(c)
	}
}

// Draft is everything needed to materialize a request.
type Draft struct {
	CompanyID       string
	InstanceID      string
	StepExecutionID string
	EntityType      models.EntityType
	EntityID        string
	RequestType     string
	Priority        models.Priority
	Title           string
	Description     string
	Data            models.Payload
	Conditions      *models.ConditionSet
	RequestedBy     string
	Assignment      models.Assignment
	ExpiresAt       *time.Time
	EscalatedFromID string
	EscalationLevel int
}

// Materialize creates a pending request inside the caller's transaction and
// queues the approval_request notification to its assignees.
func (s *Service) Materialize(ctx context.Context, repos persistence.Repositories, outbox *notify.Outbox, d Draft) (*models.ApprovalRequest, error) {
	const op = "approvals.Materialize"

	if err := d.Assignment.Validate(); err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}

	if d.Priority == "" {
		d.Priority = models.PriorityMedium
	}

	if !d.Priority.Valid() {
		return nil, apperr.Validation(op, "unknown priority %q", d.Priority)
	}

	now := s.now()

	req := &models.ApprovalRequest{
		ID:                 uuid.NewString(),
		CompanyID:          d.CompanyID,
		WorkflowInstanceID: d.InstanceID,
		StepExecutionID:    d.StepExecutionID,
		EntityType:         d.EntityType,
		EntityID:           d.EntityID,
		RequestType:        d.RequestType,
		Priority:           d.Priority,
		Status:             models.ApprovalPending,
		AssignedTo:         d.Assignment.UserID,
		AssignedRole:       d.Assignment.RoleID,
		Title:              d.Title,
		Description:        d.Description,
		Data:               d.Data,
		Conditions:         d.Conditions,
		RequestedBy:        d.RequestedBy,
		RequestedAt:        now,
		ExpiresAt:          d.ExpiresAt,
		EscalatedFromID:    d.EscalatedFromID,
		EscalationLevel:    d.EscalationLevel,
		UpdatedAt:          now,
	}

	if err := repos.Approvals().Create(ctx, req); err != nil {
		return nil, persistence.Translate(op, err)
	}

	realtime := events.ApprovalCreated
	if d.EscalatedFromID != "" {
		realtime = events.ApprovalEscalated
	}

	outbox.Add(
		notify.RequestEvent(req, models.TemplateApprovalRequest, string(realtime), "", now),
		s.resolver.Recipients(ctx, req.CompanyID, req.Assignment())...,
	)

	return req, nil
}

// CreateInput is an ad-hoc request not backed by a workflow step.
type CreateInput struct {
	CompanyID    string               `validate:"required"`
	ActorID      string               `validate:"required"`
	EntityType   models.EntityType    `validate:"required"`
	EntityID     string               `validate:"required"`
	RequestType  string               `validate:"required"`
	Priority     models.Priority
	AssignedTo   string
	AssignedRole string
	Title        string               `validate:"required"`
	Description  string
	Data         models.Payload
	Conditions   *models.ConditionSet
	ExpiresAt    *time.Time
}

// Create is gated by the approvals.create permission.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.ApprovalRequest, error) {
	const op = "approvals.Create"

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), op,
		attribute.String(otelhelper.CompanyIDKey, in.CompanyID),
		attribute.String(otelhelper.ActorIDKey, in.ActorID),
	)
	defer span.End()

	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}

	if !in.EntityType.Valid() {
		return nil, apperr.Validation(op, "unknown entity type %q", in.EntityType)
	}

	assignment := models.Assignment{UserID: in.AssignedTo, RoleID: in.AssignedRole}
	if err := assignment.Validate(); err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}

	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return nil, apperr.Validation(op, "expires_at must be in the future")
	}

	allowed, err := s.resolver.HasPermission(ctx, in.ActorID, assignees.PermissionCreate)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExternal, op, err)
	}

	if !allowed {
		return nil, apperr.Forbidden(op, "user %s may not create approval requests", in.ActorID)
	}

	var (
		outbox notify.Outbox
		req    *models.ApprovalRequest
	)

	err = s.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()

		req, err = s.Materialize(ctx, repos, &outbox, Draft{
			CompanyID:   in.CompanyID,
			EntityType:  in.EntityType,
			EntityID:    in.EntityID,
			RequestType: in.RequestType,
			Priority:    in.Priority,
			Title:       in.Title,
			Description: in.Description,
			Data:        in.Data,
			Conditions:  in.Conditions,
			RequestedBy: in.ActorID,
			Assignment:  assignment,
			ExpiresAt:   in.ExpiresAt,
		})

		return err
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	s.logger.InfoContext(ctx, "approval request created",
		"request_id", req.ID, "company_id", req.CompanyID, "assignee", assignment.String())

	outbox.Deliver(ctx, s.notifier, s.async)

	return req, nil
}

// Get returns a request of companyID. Requests of other companies are reported as not found.
func (s *Service) Get(ctx context.Context, companyID, id string) (*models.ApprovalRequest, error) {
	const op = "approvals.Get"

	req, err := s.store.Approvals().ByID(ctx, id)
	if err != nil {
		return nil, persistence.Translate(op, err)
	}

	if companyID != "" && req.CompanyID != companyID {
		return nil, apperr.NotFound(op, "approval request %s", id)
	}

	return req, nil
}

type ListResult struct {
	Items       []*models.ApprovalRequest `json:"items"`
	Total       int                       `json:"total"`
	HasNextPage bool                      `json:"has_next_page"`
}

// List filters requests of one company.
func (s *Service) List(ctx context.Context, filter persistence.ApprovalFilter) (*ListResult, error) {
	const op = "approvals.List"

	if filter.CompanyID == "" {
		return nil, apperr.Validation(op, "company is required")
	}

	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, apperr.Validation(op, "unknown status %q", st)
		}
	}

	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, apperr.Validation(op, "unknown priority %q", filter.Priority)
	}

	filter.Page = filter.Page.Normalize()

	items, total, err := s.store.Approvals().List(ctx, filter)
	if err != nil {
		return nil, persistence.Translate(op, err)
	}

	return &ListResult{
		Items:       items,
		Total:       total,
		HasNextPage: filter.Page.Offset+len(items) < total,
	}, nil
}

// load reads a request inside a transaction and applies company scoping and
// the optional expected version.
func load(ctx context.Context, op string, repos persistence.Repositories, id, companyID string, version int64) (*models.ApprovalRequest, error) {
	req, err := repos.Approvals().ByID(ctx, id)
	if err != nil {
		return nil, persistence.Translate(op, err)
	}

	if companyID != "" && req.CompanyID != companyID {
		return nil, apperr.NotFound(op, "approval request %s", id)
	}

	if version != 0 && version != req.Version {
		return nil, apperr.Conflict(op, "request %s changed, reload", id)
	}

	return req, nil
}

// canReview admits anyone who can act on the assignment and holders of the override permission.
func (s *Service) canReview(ctx context.Context, op string, req *models.ApprovalRequest, actorID string) error {
	if actorID == "" {
		return apperr.Forbidden(op, "actor is required")
	}

	ok, err := s.resolver.CanAct(ctx, req.CompanyID, actorID, req.Assignment())
	if err != nil {
		return apperr.Wrap(apperr.KindExternal, op, err)
	}

	if ok {
		return nil
	}

	ok, err = s.resolver.HasPermission(ctx, actorID, assignees.PermissionOverride)
	if err != nil {
		return apperr.Wrap(apperr.KindExternal, op, err)
	}

	if !ok {
		return apperr.Forbidden(op, "user %s is not assigned to request %s", actorID, req.ID)
	}

	return nil
}

// realtimeOnly strips the email template so only the realtime side channel fires.
func realtimeOnly(ev notify.Event) notify.Event {
	ev.Template = ""

	return ev
}

func (s *Service) interested(ctx context.Context, req *models.ApprovalRequest, exclude string) []string {
	ids := append([]string{req.RequestedBy}, s.resolver.Recipients(ctx, req.CompanyID, req.Assignment())...)

	out := ids[:0]

	for _, id := range ids {
		if id != "" && id != exclude {
			out = append(out, id)
		}
	}

	return out
}
