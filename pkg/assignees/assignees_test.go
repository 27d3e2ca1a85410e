package assignees_test

import (
	"context"
	"errors"
	"testing"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/log"
	"github.com/absamo/triven-workflow/pkg/mocks"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var grants = map[string][]string{
	"Admin":   {assignees.Wildcard},
	"finance": {assignees.PermissionReview},
	"viewer":  {},
}

func seed(t *testing.T, users ...*models.User) (*memory.Store, *assignees.Resolver) {
	t.Helper()

	ctx := context.Background()
	store := memory.NewStore()

	for _, u := range users {
		if u.CompanyID == "" {
			u.CompanyID = "c1"
		}

		require.NoError(t, store.Users().Save(ctx, u))
	}

	require.NoError(t, store.Sites().Save(ctx, &models.Site{ID: "s1", CompanyID: "c1", HeadUserID: "head"}))

	resolver := assignees.NewResolver(
		assignees.NewStoreDirectory(store),
		assignees.NewRoleGrants(store.Users(), grants),
		"Admin",
		log.Discard(),
	)

	return store, resolver
}

func TestResolve_ByType(t *testing.T) {
	t.Parallel()

	_, resolver := seed(t,
		&models.User{ID: "creator", ManagerID: "boss", SiteID: "s1", Active: true},
		&models.User{ID: "boss", Active: true},
		&models.User{ID: "f1", Roles: []string{"finance"}, Active: true},
		&models.User{ID: "f2", Roles: []string{"finance"}, Active: false},
		&models.User{ID: "f3", Roles: []string{"finance"}, Active: true, Deleted: true},
		&models.User{ID: "v1", Roles: []string{"finance", "viewer"}, Active: true},
	)

	tests := []struct {
		name    string
		spec    assignees.Spec
		wantIDs []string
		role    string
	}{
		{"user literal", assignees.Spec{Type: models.AssigneeUser, Ref: "u9"}, []string{"u9"}, ""},
		{"role eligible members", assignees.Spec{Type: models.AssigneeRole, Ref: "finance"}, []string{"f1", "v1"}, "finance"},
		{"creator", assignees.Spec{Type: models.AssigneeCreator, CreatorID: "creator"}, []string{"creator"}, ""},
		{"manager", assignees.Spec{Type: models.AssigneeManager, CreatorID: "creator"}, []string{"boss"}, ""},
		{"department head", assignees.Spec{Type: models.AssigneeDepartmentHead, CreatorID: "creator"}, []string{"head"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tt.spec.CompanyID = "c1"

			res, err := resolver.Resolve(context.Background(), tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, res.UserIDs)
			assert.Equal(t, tt.role, res.Role)
			assert.False(t, res.UsedFallback)
		})
	}
}

func TestResolve_ManagerFallsBackToAdmin(t *testing.T) {
	t.Parallel()

	_, resolver := seed(t,
		&models.User{ID: "creator", Active: true},
		&models.User{ID: "admin", Roles: []string{"Admin"}, Active: true},
	)

	res, err := resolver.Resolve(context.Background(), assignees.Spec{CompanyID: "c1", Type: models.AssigneeManager, CreatorID: "creator"})
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, models.RoleAssignment("Admin"), res.Assignment())
}

func TestResolve_InactiveManagerFallsBack(t *testing.T) {
	t.Parallel()

	_, resolver := seed(t,
		&models.User{ID: "creator", ManagerID: "gone", Active: true},
		&models.User{ID: "gone", Active: false},
		&models.User{ID: "admin", Roles: []string{"Admin"}, Active: true},
	)

	res, err := resolver.Resolve(context.Background(), assignees.Spec{CompanyID: "c1", Type: models.AssigneeManager, CreatorID: "creator"})
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, []string{"admin"}, res.UserIDs)
}

func TestResolve_EmptyIsResolutionError(t *testing.T) {
	t.Parallel()

	_, resolver := seed(t, &models.User{ID: "creator", Active: true})
	ctx := context.Background()

	for _, spec := range []assignees.Spec{
		{CompanyID: "c1", Type: models.AssigneeRole, Ref: "nobody"},
		{CompanyID: "c1", Type: models.AssigneeCreator},
		{CompanyID: "c1", Type: models.AssigneeManager, CreatorID: "creator"},
		{CompanyID: "c1", Type: models.AssigneeDepartmentHead, CreatorID: "creator"},
	} {
		_, err := resolver.Resolve(ctx, spec)
		assert.True(t, apperr.IsResolution(err), "%s: %v", spec.Type, err)
	}
}

func TestResolveEscalation(t *testing.T) {
	t.Parallel()

	_, resolver := seed(t,
		&models.User{ID: "requester", ManagerID: "boss", Active: true},
		&models.User{ID: "boss", Active: true},
		&models.User{ID: "f1", Roles: []string{"finance"}, Active: true},
		&models.User{ID: "admin", Roles: []string{"Admin"}, Active: true},
	)
	ctx := context.Background()

	res, err := resolver.ResolveEscalation(ctx, assignees.EscalationSpec{CompanyID: "c1", Target: models.EscalateToManager, RequesterID: "requester"})
	require.NoError(t, err)
	assert.Equal(t, models.UserAssignment("boss"), res.Assignment())

	res, err = resolver.ResolveEscalation(ctx, assignees.EscalationSpec{
		CompanyID: "c1", Target: models.EscalateToManager, RequesterID: "requester", Exclude: "boss",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAssignment("Admin"), res.Assignment())

	res, err = resolver.ResolveEscalation(ctx, assignees.EscalationSpec{CompanyID: "c1", Target: models.EscalateToRole, Role: "finance"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAssignment("finance"), res.Assignment())

	_, err = resolver.ResolveEscalation(ctx, assignees.EscalationSpec{CompanyID: "c1", Target: models.EscalateNone})
	assert.True(t, apperr.IsResolution(err))
}

func TestRoleGrants(t *testing.T) {
	t.Parallel()

	store, _ := seed(t,
		&models.User{ID: "admin", Roles: []string{"Admin"}, Active: true},
		&models.User{ID: "viewer", Roles: []string{"viewer"}, Active: true},
		&models.User{ID: "former", Roles: []string{"Admin"}, Active: false},
	)
	checker := assignees.NewRoleGrants(store.Users(), grants)
	ctx := context.Background()

	ok, err := checker.HasPermission(ctx, "admin", assignees.PermissionOverride)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = checker.HasPermission(ctx, "viewer", assignees.PermissionReview)
	assert.False(t, ok)

	ok, _ = checker.HasPermission(ctx, "former", assignees.PermissionReview)
	assert.False(t, ok)

	ok, err = checker.HasPermission(ctx, "missing", assignees.PermissionReview)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolve_RoleWithCapabilities(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	directory := &mocks.MockDirectory{}
	directory.On("UsersWithRole", mock.Anything, "c1", "finance").Return([]*models.User{
		{ID: "u2", Active: true},
		{ID: "u1", Active: true},
		{ID: "u3", Active: true},
	}, nil)
	directory.On("UsersWithRole", mock.Anything, "c1", "broken").Return(nil, errors.New("directory unavailable"))

	permissions := &mocks.MockPermissionChecker{}
	permissions.On("HasPermission", mock.Anything, "u1", assignees.PermissionReview).Return(true, nil)
	permissions.On("HasPermission", mock.Anything, "u2", assignees.PermissionReview).Return(true, nil)
	permissions.On("HasPermission", mock.Anything, "u3", assignees.PermissionReview).Return(false, errors.New("timeout"))

	resolver := assignees.NewResolver(directory, permissions, "Admin", log.Discard())

	res, err := resolver.Resolve(ctx, assignees.Spec{CompanyID: "c1", Type: models.AssigneeRole, Ref: "finance"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, res.UserIDs)
	assert.Equal(t, "finance", res.Role)

	_, err = resolver.Resolve(ctx, assignees.Spec{CompanyID: "c1", Type: models.AssigneeRole, Ref: "broken"})
	require.Error(t, err)
	assert.True(t, apperr.IsExternal(err))

	directory.AssertExpectations(t)
	permissions.AssertExpectations(t)
}
