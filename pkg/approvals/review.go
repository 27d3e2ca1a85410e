package approvals

import (
	"context"
	"errors"
	"maps"
	"strconv"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/otelhelper"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/reassignment"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type OpenInput struct {
	RequestID string
	CompanyID string
	ActorID   string
}

// Open marks a pending request in_review when an authorized reviewer opens it.
// Opening an in_review request again is a no-op.
func (s *Service) Open(ctx context.Context, in OpenInput) (*models.ApprovalRequest, error) {
	const op = "approvals.Open"

	var (
		outbox notify.Outbox
		result *models.ApprovalRequest
	)

	err := s.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()

		req, err := load(ctx, op, repos, in.RequestID, in.CompanyID, 0)
		if err != nil {
			return err
		}

		result = req

		if err := s.canReview(ctx, op, req, in.ActorID); err != nil {
			return err
		}

		switch req.Status {
		case models.ApprovalInReview:
			return nil
		case models.ApprovalPending:
		default:
			return apperr.Conflict(op, "request %s is %s", req.ID, req.Status)
		}

		req.Status = models.ApprovalInReview
		req.UpdatedAt = s.now()

		if err := repos.Approvals().Update(ctx, req); err != nil {
			return persistence.Translate(op, err)
		}

		if req.StepExecutionID != "" && s.coordinator != nil {
			if err := s.coordinator.RequestOpened(ctx, repos, req); err != nil {
				return err
			}
		}

		ev := notify.RequestEvent(req, "", string(events.ApprovalInReview), "", req.UpdatedAt)
		outbox.Add(ev, s.interested(ctx, req, in.ActorID)...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	outbox.Deliver(ctx, s.notifier, s.async)

	return result, nil
}

// ReviewInput carries one decision. DelegateTo is required for delegated decisions.
// Version, when non-zero, must match the stored request.
type ReviewInput struct {
	RequestID  string
	CompanyID  string
	ActorID    string
	Decision   models.Decision
	Reason     string
	Notes      string
	DelegateTo models.Assignment
	Version    int64
}

// Review records a decision. A request that is no longer open yields a conflict.
func (s *Service) Review(ctx context.Context, in ReviewInput) (*models.ApprovalRequest, error) {
	const op = "approvals.Review"

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), op,
		attribute.String(otelhelper.RequestIDKey, in.RequestID),
		attribute.String(otelhelper.ActorIDKey, in.ActorID),
		attribute.String(otelhelper.DecisionKey, string(in.Decision)),
	)
	defer span.End()

	if !in.Decision.Valid() {
		return nil, apperr.Validation(op, "unknown decision %q", in.Decision)
	}

	if in.Decision != models.DecisionApproved && in.Reason == "" {
		return nil, apperr.Validation(op, "%v", models.ErrReasonRequired)
	}

	if in.Decision == models.DecisionDelegated {
		if err := in.DelegateTo.Validate(); err != nil {
			return nil, apperr.Validation(op, "delegate: %v", err)
		}
	}

	var (
		outbox notify.Outbox
		result *models.ApprovalRequest
	)

	err := s.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()

		req, err := load(ctx, op, repos, in.RequestID, in.CompanyID, in.Version)
		if err != nil {
			return err
		}

		if !req.Status.IsOpen() {
			return apperr.Conflict(op, "request %s already reviewed (%s)", req.ID, req.Status)
		}

		if err := s.canReview(ctx, op, req, in.ActorID); err != nil {
			return err
		}

		now := s.now()

		if err := req.RecordDecision(in.ActorID, in.Decision, in.Reason, in.Notes, now); err != nil {
			return apperr.Validation(op, "%v", err)
		}

		req.UpdatedAt = now

		if err := s.apply(ctx, op, repos, &outbox, req, in); err != nil {
			return err
		}

		result = req

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	s.metrics.Review(string(in.Decision))
	s.logger.InfoContext(ctx, "approval reviewed",
		"request_id", result.ID, "decision", in.Decision, "status", result.Status, "actor_id", in.ActorID)

	outbox.Deliver(ctx, s.notifier, s.async)

	return result, nil
}

func (s *Service) apply(ctx context.Context, op string, repos persistence.Repositories, outbox *notify.Outbox, req *models.ApprovalRequest, in ReviewInput) error {
	update := func() error {
		return persistence.Translate(op, repos.Approvals().Update(ctx, req))
	}

	switch in.Decision {
	case models.DecisionApproved, models.DecisionConditionalApproval, models.DecisionRejected:
		to, key, realtime := models.ApprovalApproved, models.TemplateApprovalApproved, events.ApprovalApproved
		if in.Decision == models.DecisionRejected {
			to, key, realtime = models.ApprovalRejected, models.TemplateApprovalRejected, events.ApprovalRejected
		}

		if err := req.Close(to, *req.ReviewedAt); err != nil {
			return apperr.Conflict(op, "%v", err)
		}

		if err := update(); err != nil {
			return err
		}

		ev := notify.RequestEvent(req, key, string(realtime), "", req.UpdatedAt)
		outbox.Add(ev, req.RequestedBy)
		outbox.Add(realtimeOnly(ev), s.interested(ctx, req, in.ActorID)...)

		if req.IsAdHoc() {
			return nil
		}

		if s.coordinator == nil {
			return errors.New("approvals: step-backed request resolved without a coordinator")
		}

		return s.coordinator.RequestResolved(ctx, repos, outbox, req)

	case models.DecisionMoreInfoRequired:
		req.Status = models.ApprovalMoreInfoRequired

		if err := update(); err != nil {
			return err
		}

		ev := notify.RequestEvent(req, "", string(events.ApprovalMoreInfoRequired), "", req.UpdatedAt)
		outbox.Add(ev, req.RequestedBy)

		return nil

	case models.DecisionDelegated:
		if req.Assignment() == in.DelegateTo {
			return apperr.Conflict(op, "request %s is already assigned to %s", req.ID, in.DelegateTo)
		}

		req.Status = models.ApprovalPending

		if err := s.reassigner.Apply(ctx, repos, outbox, req, reassignment.Change{
			ActorID:  in.ActorID,
			To:       in.DelegateTo,
			Reason:   in.Reason,
			Label:    "delegated",
			Template: models.TemplateReassigned,
		}); err != nil {
			return err
		}

		return update()

	case models.DecisionEscalated:
		if s.coordinator == nil {
			if err := req.Close(models.ApprovalEscalated, req.UpdatedAt); err != nil {
				return apperr.Conflict(op, "%v", err)
			}

			return update()
		}

		return s.coordinator.Escalate(ctx, repos, outbox, req, "review")
	}

	return apperr.Validation(op, "unknown decision %q", in.Decision)
}

type SupplyInput struct {
	RequestID string
	CompanyID string
	ActorID   string
	Data      models.Payload
	Comment   string
}

// SupplyInfo lets the requester answer a more_info_required decision; the
// request returns to in_review with Data merged.
func (s *Service) SupplyInfo(ctx context.Context, in SupplyInput) (*models.ApprovalRequest, error) {
	const op = "approvals.SupplyInfo"

	if len(in.Data) == 0 && in.Comment == "" {
		return nil, apperr.Validation(op, "data or comment is required")
	}

	var (
		outbox notify.Outbox
		result *models.ApprovalRequest
	)

	err := s.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()

		req, err := load(ctx, op, repos, in.RequestID, in.CompanyID, 0)
		if err != nil {
			return err
		}

		if in.ActorID != req.RequestedBy {
			return apperr.Forbidden(op, "only the requester may supply information")
		}

		if req.Status != models.ApprovalMoreInfoRequired {
			return apperr.Conflict(op, "request %s is %s, no information was requested", req.ID, req.Status)
		}

		now := s.now()

		if len(in.Data) > 0 {
			if req.Data == nil {
				req.Data = models.Payload{}
			}

			maps.Copy(req.Data, in.Data)
		}

		if in.Comment != "" {
			if err := repos.Comments().Create(ctx, &models.ApprovalComment{
				ID:                uuid.NewString(),
				ApprovalRequestID: req.ID,
				AuthorID:          in.ActorID,
				Comment:           in.Comment,
				CreatedAt:         now,
			}); err != nil {
				return persistence.Translate(op, err)
			}
		}

		req.Status = models.ApprovalInReview
		req.UpdatedAt = now
		suffix := "info-v" + strconv.FormatInt(req.Version, 10)

		if err := repos.Approvals().Update(ctx, req); err != nil {
			return persistence.Translate(op, err)
		}

		ev := notify.RequestEvent(req, models.TemplateApprovalRequest, string(events.ApprovalInfoSupplied), suffix, now)
		outbox.Add(ev, s.resolver.Recipients(ctx, req.CompanyID, req.Assignment())...)

		result = req

		return nil
	})
	if err != nil {
		return nil, err
	}

	outbox.Deliver(ctx, s.notifier, s.async)

	return result, nil
}

type CancelInput struct {
	RequestID string
	CompanyID string
	ActorID   string
	Reason    string
}

// Cancel withdraws an ad-hoc request. Step-backed requests are cancelled
// through their workflow instance.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (*models.ApprovalRequest, error) {
	const op = "approvals.Cancel"

	var (
		outbox notify.Outbox
		result *models.ApprovalRequest
	)

	err := s.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()

		req, err := load(ctx, op, repos, in.RequestID, in.CompanyID, 0)
		if err != nil {
			return err
		}

		if !req.IsAdHoc() {
			return apperr.Validation(op, "request %s belongs to workflow instance %s, cancel the instance", req.ID, req.WorkflowInstanceID)
		}

		if in.ActorID != req.RequestedBy {
			ok, err := s.resolver.HasPermission(ctx, in.ActorID, assignees.PermissionOverride)
			if err != nil {
				return apperr.Wrap(apperr.KindExternal, op, err)
			}

			if !ok {
				return apperr.Forbidden(op, "user %s may not cancel request %s", in.ActorID, req.ID)
			}
		}

		now := s.now()

		if err := req.Close(models.ApprovalCancelled, now); err != nil {
			return apperr.Conflict(op, "%v", err)
		}

		req.UpdatedAt = now

		if in.Reason != "" {
			if err := repos.Comments().Create(ctx, &models.ApprovalComment{
				ID:                uuid.NewString(),
				ApprovalRequestID: req.ID,
				AuthorID:          in.ActorID,
				Comment:           "cancelled: " + in.Reason,
				IsInternal:        true,
				CreatedAt:         now,
			}); err != nil {
				return persistence.Translate(op, err)
			}
		}

		if err := repos.Approvals().Update(ctx, req); err != nil {
			return persistence.Translate(op, err)
		}

		ev := notify.RequestEvent(req, "", string(events.ApprovalCancelled), "", now)
		outbox.Add(ev, s.interested(ctx, req, in.ActorID)...)

		result = req

		return nil
	})
	if err != nil {
		return nil, err
	}

	outbox.Deliver(ctx, s.notifier, s.async)

	return result, nil
}
