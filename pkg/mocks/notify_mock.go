package mocks

import (
	"context"

	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/stretchr/testify/mock"
)

// MockMailer is a mock implementation of notify.Mailer.
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) SendTemplated(ctx context.Context, key models.TemplateKey, locale string, variables map[string]string, to string) error {
	args := m.Called(ctx, key, locale, variables, to)

	return args.Error(0)
}

// MockPublisher is a mock implementation of notify.Publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, companyID string, recipients []string, event notify.RealtimeEvent) error {
	args := m.Called(ctx, companyID, recipients, event)

	return args.Error(0)
}

// MockPermissionChecker is a mock implementation of assignees.PermissionChecker.
type MockPermissionChecker struct {
	mock.Mock
}

func (m *MockPermissionChecker) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	args := m.Called(ctx, userID, permission)

	return args.Bool(0), args.Error(1)
}

// MockDirectory is a mock implementation of assignees.Directory.
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) User(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)

	user, _ := args.Get(0).(*models.User)

	return user, args.Error(1)
}

func (m *MockDirectory) UsersWithRole(ctx context.Context, companyID, role string) ([]*models.User, error) {
	args := m.Called(ctx, companyID, role)

	users, _ := args.Get(0).([]*models.User)

	return users, args.Error(1)
}

func (m *MockDirectory) Site(ctx context.Context, siteID string) (*models.Site, error) {
	args := m.Called(ctx, siteID)

	site, _ := args.Get(0).(*models.Site)

	return site, args.Error(1)
}
