// Package persistence defines the transactional storage boundary of the approval engine.
package persistence

import (
	"context"

	"github.com/absamo/triven-workflow/pkg/models"
)

// Persistence is a transactional store. Repositories used outside Transact run
// each call on its own.
type Persistence interface {
	Repositories

	// Transact runs fn in one transaction. Returning an error rolls back every write made through repos.
	Transact(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type Repositories interface {
	Templates() TemplateRepository
	Instances() InstanceRepository
	Steps() StepRepository
	Approvals() ApprovalRepository
	Comments() CommentRepository
	Users() UserRepository
	Sites() SiteRepository
	Preferences() PreferenceRepository
}

// Update methods are check-and-set on Version: the stored version must equal the
// passed one, and on success the passed entity's Version is incremented.

type TemplateRepository interface {
	Create(ctx context.Context, t *models.WorkflowTemplate) error
	Update(ctx context.Context, t *models.WorkflowTemplate) error
	ByID(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	List(ctx context.Context, filter TemplateFilter) ([]*models.WorkflowTemplate, error)
}

type InstanceRepository interface {
	Create(ctx context.Context, i *models.WorkflowInstance) error
	Update(ctx context.Context, i *models.WorkflowInstance) error
	ByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	List(ctx context.Context, filter InstanceFilter) ([]*models.WorkflowInstance, int, error)
	// ListActive pages through in_progress instances across companies ordered by id.
	ListActive(ctx context.Context, afterID string, limit int) ([]*models.WorkflowInstance, error)
}

type StepRepository interface {
	Create(ctx context.Context, s *models.StepExecution) error
	Update(ctx context.Context, s *models.StepExecution) error
	ByID(ctx context.Context, id string) (*models.StepExecution, error)
	// ByInstance returns all executions of an instance ordered by step number.
	ByInstance(ctx context.Context, instanceID string) ([]*models.StepExecution, error)
}

type ApprovalRepository interface {
	Create(ctx context.Context, r *models.ApprovalRequest) error
	Update(ctx context.Context, r *models.ApprovalRequest) error
	ByID(ctx context.Context, id string) (*models.ApprovalRequest, error)
	List(ctx context.Context, filter ApprovalFilter) ([]*models.ApprovalRequest, int, error)
	// ListOpen pages through non-terminal requests across companies ordered by id.
	ListOpen(ctx context.Context, afterID string, limit int) ([]*models.ApprovalRequest, error)
	ByInstance(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error)
}

type CommentRepository interface {
	Create(ctx context.Context, c *models.ApprovalComment) error
	// ByRequest returns comments oldest first.
	ByRequest(ctx context.Context, requestID string, includeInternal bool) ([]*models.ApprovalComment, error)
}

type UserRepository interface {
	Save(ctx context.Context, u *models.User) error
	ByID(ctx context.Context, id string) (*models.User, error)
	ByRole(ctx context.Context, companyID, role string) ([]*models.User, error)
}

type SiteRepository interface {
	Save(ctx context.Context, s *models.Site) error
	ByID(ctx context.Context, id string) (*models.Site, error)
}

type PreferenceRepository interface {
	Save(ctx context.Context, p *models.Preference) error
	ByUser(ctx context.Context, userID string) (*models.Preference, error)
}

type TemplateFilter struct {
	CompanyID   string
	EntityType  models.EntityType
	TriggerType models.TriggerType
	ActiveOnly  bool
}

type InstanceFilter struct {
	CompanyID  string
	Statuses   []models.InstanceStatus
	EntityType models.EntityType
	EntityID   string
	Page       Page
}

type ApprovalFilter struct {
	CompanyID    string
	Statuses     []models.ApprovalStatus
	Priority     models.Priority
	EntityType   models.EntityType
	EntityID     string
	AssignedTo   string
	AssignedRole string
	Page         Page
}

// Page is an offset window. A zero Limit means DefaultPageLimit.
type Page struct {
	Offset int
	Limit  int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}

	switch {
	case p.Limit <= 0:
		p.Limit = DefaultPageLimit
	case p.Limit > MaxPageLimit:
		p.Limit = MaxPageLimit
	}

	return p
}
