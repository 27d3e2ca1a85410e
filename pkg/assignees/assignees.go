// Package assignees resolves step assignee specifications into concrete recipients.
package assignees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
)

// Permission keys checked by the engine.
const (
	PermissionReview    = "approvals.review"
	PermissionCreate    = "approvals.create"
	PermissionOverride  = "approvals.override"
	PermissionTemplates = "templates.manage"
)

// DefaultFallbackRole receives work that cannot be routed to a manager.
const DefaultFallbackRole = "Admin"

// PermissionChecker is the external authorization capability.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID, permission string) (bool, error)
}

// Directory is the read side of the user and site records.
type Directory interface {
	User(ctx context.Context, userID string) (*models.User, error)
	UsersWithRole(ctx context.Context, companyID, role string) ([]*models.User, error)
	Site(ctx context.Context, siteID string) (*models.Site, error)
}

// Spec is what a step asks for.
type Spec struct {
	CompanyID string
	Type      models.AssigneeType
	Ref       string
	// CreatorID is the owner of the triggering entity.
	CreatorID string
}

// Resolution is the concrete outcome. Role is set when the work is addressed to a role group.
type Resolution struct {
	UserIDs      []string
	Role         string
	UsedFallback bool
}

// Assignment picks the single target a request is addressed to: the role for
// group resolutions, else the first user.
func (r Resolution) Assignment() models.Assignment {
	if r.Role != "" {
		return models.RoleAssignment(r.Role)
	}

	if len(r.UserIDs) == 0 {
		return models.Assignment{}
	}

	return models.UserAssignment(r.UserIDs[0])
}

func (r Resolution) Empty() bool {
	return len(r.UserIDs) == 0 && r.Role == ""
}

type Resolver struct {
	directory    Directory
	permissions  PermissionChecker
	fallbackRole string
	logger       *slog.Logger
}

func NewResolver(directory Directory, permissions PermissionChecker, fallbackRole string, logger *slog.Logger) *Resolver {
	if fallbackRole == "" {
		fallbackRole = DefaultFallbackRole
	}

	return &Resolver{
		directory:    directory,
		permissions:  permissions,
		fallbackRole: fallbackRole,
		logger:       logger.With("module", "assignees"),
	}
}

func (r *Resolver) FallbackRole() string {
	return r.fallbackRole
}

// Resolve maps spec to recipients at activation time. An empty result is a
// resolution error, never an empty success.
func (r *Resolver) Resolve(ctx context.Context, spec Spec) (Resolution, error) {
	const op = "assignees.Resolve"

	switch spec.Type {
	case models.AssigneeUser:
		if spec.Ref == "" {
			return Resolution{}, apperr.Resolution(op, "user assignee has no reference")
		}

		return Resolution{UserIDs: []string{spec.Ref}}, nil

	case models.AssigneeRole:
		return r.resolveRole(ctx, op, spec.CompanyID, spec.Ref)

	case models.AssigneeCreator:
		if spec.CreatorID == "" {
			return Resolution{}, apperr.Resolution(op, "entity has no recorded creator")
		}

		return Resolution{UserIDs: []string{spec.CreatorID}}, nil

	case models.AssigneeManager:
		return r.resolveManager(ctx, op, spec.CompanyID, spec.CreatorID)

	case models.AssigneeDepartmentHead:
		return r.resolveDepartmentHead(ctx, op, spec.CreatorID)

	default:
		return Resolution{}, apperr.Validation(op, "unknown assignee type %q", spec.Type)
	}
}

// Members returns the eligible users of role who hold the review permission.
func (r *Resolver) Members(ctx context.Context, companyID, role string) ([]string, error) {
	users, err := r.directory.UsersWithRole(ctx, companyID, role)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExternal, "assignees.Members", err)
	}

	ids := make([]string, 0, len(users))

	for _, u := range users {
		if !u.Eligible() {
			continue
		}

		if r.permissions != nil {
			ok, err := r.permissions.HasPermission(ctx, u.ID, PermissionReview)
			if err != nil {
				r.logger.WarnContext(ctx, "permission check failed", "user_id", u.ID, "error", err)

				continue
			}

			if !ok {
				continue
			}
		}

		ids = append(ids, u.ID)
	}

	slices.Sort(ids)

	return ids, nil
}

// Recipients expands an assignment into the users to notify. Role members that
// cannot be listed produce an empty set and a warning.
func (r *Resolver) Recipients(ctx context.Context, companyID string, a models.Assignment) []string {
	if a.UserID != "" {
		return []string{a.UserID}
	}

	if a.RoleID == "" {
		return nil
	}

	ids, err := r.Members(ctx, companyID, a.RoleID)
	if err != nil {
		r.logger.WarnContext(ctx, "listing role members failed", "role", a.RoleID, "error", err)

		return nil
	}

	return ids
}

// CanAct reports whether userID may act on work addressed to a: the assigned
// user or an eligible reviewing member of the assigned role.
func (r *Resolver) CanAct(ctx context.Context, companyID, userID string, a models.Assignment) (bool, error) {
	if userID == "" {
		return false, nil
	}

	if a.UserID != "" {
		return a.UserID == userID, nil
	}

	ids, err := r.Members(ctx, companyID, a.RoleID)
	if err != nil {
		return false, err
	}

	return slices.Contains(ids, userID), nil
}

// HasPermission delegates to the permission capability; without one every check passes.
func (r *Resolver) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	if r.permissions == nil {
		return true, nil
	}

	return r.permissions.HasPermission(ctx, userID, permission)
}

// User looks up a directory record.
func (r *Resolver) User(ctx context.Context, userID string) (*models.User, error) {
	return r.directory.User(ctx, userID)
}

func (r *Resolver) resolveRole(ctx context.Context, op, companyID, role string) (Resolution, error) {
	if role == "" {
		return Resolution{}, apperr.Resolution(op, "role assignee has no reference")
	}

	ids, err := r.Members(ctx, companyID, role)
	if err != nil {
		return Resolution{}, err
	}

	if len(ids) == 0 {
		return Resolution{}, apperr.Resolution(op, "role %q has no eligible members", role)
	}

	return Resolution{UserIDs: ids, Role: role}, nil
}

func (r *Resolver) resolveManager(ctx context.Context, op, companyID, creatorID string) (Resolution, error) {
	managerID, err := r.managerOf(ctx, creatorID)
	if err != nil {
		return Resolution{}, err
	}

	if managerID != "" {
		return Resolution{UserIDs: []string{managerID}}, nil
	}

	r.logger.WarnContext(ctx, "no eligible manager, falling back to role",
		"creator_id", creatorID, "role", r.fallbackRole)

	res, err := r.resolveRole(ctx, op, companyID, r.fallbackRole)
	if err != nil {
		return Resolution{}, err
	}

	res.UsedFallback = true

	return res, nil
}

// managerOf returns the eligible direct manager of userID, or "" when there is none.
func (r *Resolver) managerOf(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}

	user, err := r.directory.User(ctx, userID)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			return "", nil
		}

		return "", apperr.Wrap(apperr.KindExternal, "assignees.managerOf", err)
	}

	if user.ManagerID == "" {
		return "", nil
	}

	manager, err := r.directory.User(ctx, user.ManagerID)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			return "", nil
		}

		return "", apperr.Wrap(apperr.KindExternal, "assignees.managerOf", err)
	}

	if !manager.Eligible() {
		return "", nil
	}

	return manager.ID, nil
}

func (r *Resolver) resolveDepartmentHead(ctx context.Context, op, creatorID string) (Resolution, error) {
	if creatorID == "" {
		return Resolution{}, apperr.Resolution(op, "entity has no recorded creator")
	}

	creator, err := r.directory.User(ctx, creatorID)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			return Resolution{}, apperr.Resolution(op, "creator %s not found", creatorID)
		}

		return Resolution{}, apperr.Wrap(apperr.KindExternal, op, err)
	}

	if creator.SiteID == "" {
		return Resolution{}, apperr.Resolution(op, "creator %s has no site", creatorID)
	}

	site, err := r.directory.Site(ctx, creator.SiteID)
	if err != nil {
		if errors.Is(err, persistence.ErrSiteNotFound) {
			return Resolution{}, apperr.Resolution(op, "site %s not found", creator.SiteID)
		}

		return Resolution{}, apperr.Wrap(apperr.KindExternal, op, err)
	}

	if site.HeadUserID == "" {
		return Resolution{}, apperr.Resolution(op, "site %s has no head", site.ID)
	}

	return Resolution{UserIDs: []string{site.HeadUserID}}, nil
}

// EscalationSpec describes where overdue work goes.
type EscalationSpec struct {
	CompanyID   string
	Target      models.EscalationTarget
	Role        string
	RequesterID string
	// Exclude is the current assignee, never chosen as the escalation target.
	Exclude string
}

// ResolveEscalation walks the escalation chain: the configured role when the
// target is role, else the requester's direct manager, else the fallback role.
func (r *Resolver) ResolveEscalation(ctx context.Context, spec EscalationSpec) (Resolution, error) {
	const op = "assignees.ResolveEscalation"

	if spec.Target == models.EscalateNone {
		return Resolution{}, apperr.Resolution(op, "escalation disabled")
	}

	if spec.Target == models.EscalateToRole && spec.Role != "" {
		res, err := r.resolveRole(ctx, op, spec.CompanyID, spec.Role)
		if err == nil {
			return res, nil
		}

		r.logger.WarnContext(ctx, "escalation role unresolvable", "role", spec.Role, "error", err)
	} else {
		managerID, err := r.managerOf(ctx, spec.RequesterID)
		if err != nil {
			return Resolution{}, err
		}

		if managerID != "" && managerID != spec.Exclude {
			return Resolution{UserIDs: []string{managerID}}, nil
		}
	}

	res, err := r.resolveRole(ctx, op, spec.CompanyID, r.fallbackRole)
	if err != nil {
		return Resolution{}, fmt.Errorf("escalation fallback: %w", err)
	}

	res.UsedFallback = true

	return res, nil
}
