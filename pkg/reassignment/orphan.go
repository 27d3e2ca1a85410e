package reassignment

import (
	"context"
	"errors"
	"slices"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/persistence"
)

// Orphan describes why an open request lost its assignee.
type Orphan struct {
	Reason string
	// User is the former assignee record, nil when it no longer exists or the request was role addressed.
	User *models.User
}

// Detect reports whether the current assignee of req can no longer act on it.
func (h *Handler) Detect(ctx context.Context, req *models.ApprovalRequest) (*Orphan, error) {
	const op = "reassignment.Detect"

	if !req.Status.IsOpen() {
		return nil, nil
	}

	if req.AssignedRole != "" {
		members, err := h.resolver.Members(ctx, req.CompanyID, req.AssignedRole)
		if err != nil {
			return nil, err
		}

		if len(members) == 0 && req.AssignedRole != h.resolver.FallbackRole() {
			return &Orphan{Reason: "role " + req.AssignedRole + " has no eligible members"}, nil
		}

		return nil, nil
	}

	user, err := h.resolver.User(ctx, req.AssignedTo)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			return &Orphan{Reason: "assignee " + req.AssignedTo + " no longer exists"}, nil
		}

		return nil, apperr.Wrap(apperr.KindExternal, op, err)
	}

	switch {
	case user.Deleted:
		return &Orphan{Reason: "assignee " + user.ID + " was deleted", User: user}, nil
	case !user.Active:
		return &Orphan{Reason: "assignee " + user.ID + " was deactivated", User: user}, nil
	}

	ok, err := h.resolver.HasPermission(ctx, user.ID, assignees.PermissionReview)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExternal, op, err)
	}

	if !ok {
		return &Orphan{Reason: "assignee " + user.ID + " lost the review permission", User: user}, nil
	}

	return nil, nil
}

// Fallback picks the new target for an orphaned request: the first role group
// of the former assignee that still has other eligible reviewers, else the
// fallback role.
func (h *Handler) Fallback(ctx context.Context, req *models.ApprovalRequest, orphan *Orphan) (models.Assignment, error) {
	const op = "reassignment.Fallback"

	if orphan.User != nil {
		roles := slices.Clone(orphan.User.Roles)
		slices.Sort(roles)

		for _, role := range roles {
			members, err := h.resolver.Members(ctx, req.CompanyID, role)
			if err != nil {
				return models.Assignment{}, err
			}

			members = slices.DeleteFunc(members, func(id string) bool { return id == orphan.User.ID })
			if len(members) > 0 {
				return models.RoleAssignment(role), nil
			}
		}
	}

	fallback := h.resolver.FallbackRole()

	members, err := h.resolver.Members(ctx, req.CompanyID, fallback)
	if err != nil {
		return models.Assignment{}, err
	}

	if len(members) == 0 {
		return models.Assignment{}, apperr.Resolution(op, "fallback role %s has no eligible members", fallback)
	}

	return models.RoleAssignment(fallback), nil
}

// HandleOrphan reassigns req inside the caller's transaction when its assignee
// is orphaned. In-review requests return to pending. It reports whether req changed.
func (h *Handler) HandleOrphan(ctx context.Context, repos persistence.Repositories, outbox *notify.Outbox, req *models.ApprovalRequest) (bool, error) {
	orphan, err := h.Detect(ctx, req)
	if err != nil || orphan == nil {
		return false, err
	}

	to, err := h.Fallback(ctx, req, orphan)
	if err != nil {
		return false, err
	}

	if req.Status == models.ApprovalInReview {
		req.Status = models.ApprovalPending
	}

	var exclude []string
	if orphan.User != nil {
		exclude = append(exclude, orphan.User.ID)
	} else if req.AssignedTo != "" {
		exclude = append(exclude, req.AssignedTo)
	}

	if err := h.Apply(ctx, repos, outbox, req, Change{
		To:       to,
		Reason:   orphan.Reason,
		Label:    "orphaned",
		Template: models.TemplateOrphaned,
		Exclude:  exclude,
	}); err != nil {
		return false, err
	}

	h.logger.WarnContext(ctx, "orphaned approval reassigned",
		"request_id", req.ID, "reason", orphan.Reason, "to", to.String())
	h.metrics.OrphanReassigned()

	return true, nil
}

// CheckOrphan loads requestID and runs HandleOrphan in its own transaction.
func (h *Handler) CheckOrphan(ctx context.Context, requestID string) (bool, error) {
	const op = "reassignment.CheckOrphan"

	var (
		outbox  notify.Outbox
		changed bool
	)

	err := h.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		outbox.Reset()

		req, err := repos.Approvals().ByID(ctx, requestID)
		if err != nil {
			return persistence.Translate(op, err)
		}

		changed, err = h.HandleOrphan(ctx, repos, &outbox, req)
		if err != nil || !changed {
			return err
		}

		return persistence.Translate(op, repos.Approvals().Update(ctx, req))
	})
	if err != nil {
		return false, err
	}

	outbox.Deliver(ctx, h.notifier, h.async)

	return changed, nil
}
