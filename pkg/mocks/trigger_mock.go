package mocks

import (
	"context"

	"github.com/absamo/triven-workflow/pkg/engine"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockTriggerHandler is a mock implementation of kafka.TriggerHandler.
type MockTriggerHandler struct {
	mock.Mock
}

func (m *MockTriggerHandler) HandleTrigger(ctx context.Context, t engine.Trigger) ([]*models.WorkflowInstance, error) {
	args := m.Called(ctx, t)

	started, _ := args.Get(0).([]*models.WorkflowInstance)

	return started, args.Error(1)
}
