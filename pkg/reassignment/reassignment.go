// Package reassignment moves open approval requests between assignees, either
// on request or when the scheduler finds the current assignee orphaned.
package reassignment

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/metrics"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/otelhelper"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// SystemActor authors audit comments written by the engine itself.
const SystemActor = "system"

// StepTracker mirrors an assignment change onto the step execution the request
// backs. It runs inside the caller's transaction.
type StepTracker interface {
	RequestReassigned(ctx context.Context, repos persistence.Repositories, req *models.ApprovalRequest) error
}

type Handler struct {
	store    persistence.Persistence
	resolver *assignees.Resolver
	notifier notify.Notifier
	steps    StepTracker
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
	async    bool
}

type Option func(*Handler)

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithAsyncDelivery hands committed notifications to a background goroutine.
func WithAsyncDelivery(async bool) Option {
	return func(h *Handler) { h.async = async }
}

func NewHandler(store persistence.Persistence, resolver *assignees.Resolver, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		logger:   logger.With("module", "reassignment"),
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// SetStepTracker registers the workflow engine for step-backed requests.
func (h *Handler) SetStepTracker(t StepTracker) {
	h.steps = t
}

// Input is a manual reassignment. Version, when non-zero, must match the stored request.
type Input struct {
	RequestID string
	CompanyID string
	ActorID   string
	To        models.Assignment
	Reason    string
	Version   int64
}

// Change describes one assignment flip applied inside a caller's transaction.
type Change struct {
	ActorID  string
	To       models.Assignment
	Reason   string
	Label    string
	Template models.TemplateKey
	// Exclude lists users left out of the notification fan-out besides the actor.
	Exclude []string
}

// Reassign flips the target of a pending request. Status and requestedAt are kept.
func (h *Handler) Reassign(ctx context.Context, in Input) (*models.ApprovalRequest, error) {
	const op = "reassignment.Reassign"

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), op,
		attribute.String(otelhelper.RequestIDKey, in.RequestID),
		attribute.String(otelhelper.ActorIDKey, in.ActorID),
	)
	defer span.End()

	if err := in.To.Validate(); err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}

	if in.Reason == "" {
		return nil, apperr.Validation(op, "reason is required")
	}

	var (
		outbox notify.Outbox
		result *models.ApprovalRequest
	)

	err := h.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()

		req, err := repos.Approvals().ByID(ctx, in.RequestID)
		if err != nil {
			return persistence.Translate(op, err)
		}

		if in.CompanyID != "" && req.CompanyID != in.CompanyID {
			return apperr.NotFound(op, "approval request %s", in.RequestID)
		}

		if in.Version != 0 && in.Version != req.Version {
			return apperr.Conflict(op, "request %s changed, reload", req.ID)
		}

		if req.Status != models.ApprovalPending {
			return apperr.Conflict(op, "request %s is %s, only pending requests can be reassigned", req.ID, req.Status)
		}

		if req.Assignment() == in.To {
			return apperr.Conflict(op, "request %s is already assigned to %s", req.ID, in.To)
		}

		if err := h.authorize(ctx, op, req, in.ActorID); err != nil {
			return err
		}

		if err := h.Apply(ctx, repos, &outbox, req, Change{
			ActorID:  in.ActorID,
			To:       in.To,
			Reason:   in.Reason,
			Label:    "reassigned",
			Template: models.TemplateReassigned,
		}); err != nil {
			return err
		}

		if err := repos.Approvals().Update(ctx, req); err != nil {
			return persistence.Translate(op, err)
		}

		result = req

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	h.logger.InfoContext(ctx, "approval reassigned",
		"request_id", result.ID, "to", in.To.String(), "actor_id", in.ActorID)

	outbox.Deliver(ctx, h.notifier, h.async)

	return result, nil
}

// authorize admits the requester, anyone who can act on the current
// assignment, and holders of the override permission.
func (h *Handler) authorize(ctx context.Context, op string, req *models.ApprovalRequest, actorID string) error {
	if actorID == "" {
		return apperr.Forbidden(op, "actor is required")
	}

	if actorID == req.RequestedBy {
		return nil
	}

	ok, err := h.resolver.CanAct(ctx, req.CompanyID, actorID, req.Assignment())
	if err != nil {
		return apperr.Wrap(apperr.KindExternal, op, err)
	}

	if ok {
		return nil
	}

	ok, err = h.resolver.HasPermission(ctx, actorID, assignees.PermissionOverride)
	if err != nil {
		return apperr.Wrap(apperr.KindExternal, op, err)
	}

	if !ok {
		return apperr.Forbidden(op, "user %s may not reassign request %s", actorID, req.ID)
	}

	return nil
}

// Apply flips req to change.To, writes the internal audit comment and queues
// the fan-out. The caller persists req.
func (h *Handler) Apply(ctx context.Context, repos persistence.Repositories, outbox *notify.Outbox, req *models.ApprovalRequest, change Change) error {
	const op = "reassignment.Apply"

	now := h.now()
	previous := req.Assignment()

	if err := req.Assign(change.To); err != nil {
		return apperr.Validation(op, "%v", err)
	}

	req.UpdatedAt = now

	author := change.ActorID
	if author == "" {
		author = SystemActor
	}

	comment := &models.ApprovalComment{
		ID:                uuid.NewString(),
		ApprovalRequestID: req.ID,
		AuthorID:          author,
		Comment:           fmt.Sprintf("%s: %s -> %s: %s", change.Label, previous, change.To, change.Reason),
		IsInternal:        true,
		CreatedAt:         now,
	}

	if err := repos.Comments().Create(ctx, comment); err != nil {
		return persistence.Translate(op, err)
	}

	if req.StepExecutionID != "" && h.steps != nil {
		if err := h.steps.RequestReassigned(ctx, repos, req); err != nil {
			return err
		}
	}

	recipients := []string{req.RequestedBy}
	recipients = append(recipients, h.resolver.Recipients(ctx, req.CompanyID, previous)...)
	recipients = append(recipients, h.resolver.Recipients(ctx, req.CompanyID, change.To)...)
	recipients = slices.DeleteFunc(recipients, func(id string) bool {
		return id == "" || id == change.ActorID || slices.Contains(change.Exclude, id)
	})

	key := change.Template
	if key == "" {
		key = models.TemplateReassigned
	}

	ev := notify.RequestEvent(req, key, string(events.ApprovalReassigned), "v"+strconv.FormatInt(req.Version, 10), now)
	ev.Variables["previous_assignee"] = previous.String()
	ev.Variables["reason"] = change.Reason
	ev.Data["previous"] = previous.String()

	outbox.Add(ev, recipients...)

	return nil
}
