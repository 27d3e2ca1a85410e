package approvals

import (
	"context"
	"strings"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/google/uuid"
)

type CommentInput struct {
	RequestID  string
	CompanyID  string
	ActorID    string
	Comment    string
	IsInternal bool
}

// Comment adds to the request history. Comments are kept whatever the request status.
func (s *Service) Comment(ctx context.Context, in CommentInput) (*models.ApprovalComment, error) {
	const op = "approvals.Comment"

	in.Comment = strings.TrimSpace(in.Comment)

	comment := &models.ApprovalComment{
		ID:                uuid.NewString(),
		ApprovalRequestID: in.RequestID,
		AuthorID:          in.ActorID,
		Comment:           in.Comment,
		IsInternal:        in.IsInternal,
		CreatedAt:         s.now(),
	}

	if err := s.validate.Struct(comment); err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}

	req, err := s.Get(ctx, in.CompanyID, in.RequestID)
	if err != nil {
		return nil, err
	}

	if err := s.canParticipate(ctx, op, req, in.ActorID); err != nil {
		return nil, err
	}

	if err := s.store.Comments().Create(ctx, comment); err != nil {
		return nil, persistence.Translate(op, err)
	}

	ev := notify.RequestEvent(req, "", string(events.ApprovalCommented), "", comment.CreatedAt)
	ev.Data["comment_id"] = comment.ID
	s.notifier.Notify(ctx, realtimeOnly(ev), s.interested(ctx, req, in.ActorID))

	return comment, nil
}

// Comments lists a request's history oldest first. Internal comments are only
// returned to participants who ask for them.
func (s *Service) Comments(ctx context.Context, companyID, requestID, actorID string, includeInternal bool) ([]*models.ApprovalComment, error) {
	const op = "approvals.Comments"

	req, err := s.Get(ctx, companyID, requestID)
	if err != nil {
		return nil, err
	}

	if includeInternal {
		if err := s.canParticipate(ctx, op, req, actorID); err != nil {
			return nil, err
		}
	}

	comments, err := s.store.Comments().ByRequest(ctx, requestID, includeInternal)
	if err != nil {
		return nil, persistence.Translate(op, err)
	}

	return comments, nil
}

func (s *Service) canParticipate(ctx context.Context, op string, req *models.ApprovalRequest, actorID string) error {
	if actorID != "" && actorID == req.RequestedBy {
		return nil
	}

	if actorID != "" {
		ok, err := s.resolver.HasPermission(ctx, actorID, assignees.PermissionReview)
		if err != nil {
			return apperr.Wrap(apperr.KindExternal, op, err)
		}

		if ok {
			return nil
		}
	}

	return s.canReview(ctx, op, req, actorID)
}
