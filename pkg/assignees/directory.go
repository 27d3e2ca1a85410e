package assignees

import (
	"context"
	"errors"
	"slices"

	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
)

// StoreDirectory reads users and sites through persistence repositories.
type StoreDirectory struct {
	repos persistence.Repositories
}

func NewStoreDirectory(repos persistence.Repositories) *StoreDirectory {
	return &StoreDirectory{repos: repos}
}

func (d *StoreDirectory) User(ctx context.Context, userID string) (*models.User, error) {
	return d.repos.Users().ByID(ctx, userID)
}

func (d *StoreDirectory) UsersWithRole(ctx context.Context, companyID, role string) ([]*models.User, error) {
	return d.repos.Users().ByRole(ctx, companyID, role)
}

func (d *StoreDirectory) Site(ctx context.Context, siteID string) (*models.Site, error) {
	return d.repos.Sites().ByID(ctx, siteID)
}

// Wildcard grants every permission.
const Wildcard = "*"

// RoleGrants checks permissions from a static role to permission table.
type RoleGrants struct {
	users  persistence.UserRepository
	grants map[string][]string
}

func NewRoleGrants(users persistence.UserRepository, grants map[string][]string) *RoleGrants {
	return &RoleGrants{users: users, grants: grants}
}

func (g *RoleGrants) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	user, err := g.users.ByID(ctx, userID)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			return false, nil
		}

		return false, err
	}

	if !user.Eligible() {
		return false, nil
	}

	for _, role := range user.Roles {
		granted := g.grants[role]
		if slices.Contains(granted, permission) || slices.Contains(granted, Wildcard) {
			return true, nil
		}
	}

	return false, nil
}
