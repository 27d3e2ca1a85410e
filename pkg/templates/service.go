package templates

import (
	"context"
	"log/slog"
	"time"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/google/uuid"
)

// Service is the template store. Templates are read-mostly; instances snapshot them at start.
type Service struct {
	store     persistence.Persistence
	validator *Validator
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store persistence.Persistence, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		validator: NewValidator(),
		logger:    logger.With("module", "templates"),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) Create(ctx context.Context, t *models.WorkflowTemplate) (*models.WorkflowTemplate, error) {
	const op = "templates.Create"

	if err := s.validator.Validate(t); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	created := *t

	if created.ID == "" {
		created.ID = uuid.NewString()
	}

	created.CreatedAt = now
	created.UpdatedAt = now

	if err := s.store.Templates().Create(ctx, &created); err != nil {
		return nil, persistence.Translate(op, err)
	}

	s.logger.InfoContext(ctx, "workflow template created",
		"template_id", created.ID, "company_id", created.CompanyID, "steps", len(created.Steps))

	return &created, nil
}

// Update replaces a template's definition. A zero Version means "whatever is stored".
func (s *Service) Update(ctx context.Context, t *models.WorkflowTemplate) (*models.WorkflowTemplate, error) {
	const op = "templates.Update"

	if err := s.validator.Validate(t); err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, t.CompanyID, t.ID)
	if err != nil {
		return nil, err
	}

	updated := *t
	updated.CreatedAt = current.CreatedAt
	updated.CreatedBy = current.CreatedBy
	updated.UpdatedAt = s.now().UTC()

	if updated.Version == 0 {
		updated.Version = current.Version
	}

	if err := s.store.Templates().Update(ctx, &updated); err != nil {
		return nil, persistence.Translate(op, err)
	}

	s.logger.InfoContext(ctx, "workflow template updated", "template_id", updated.ID, "version", updated.Version)

	return &updated, nil
}

// Get returns a template of companyID. Templates of other companies are reported as not found.
func (s *Service) Get(ctx context.Context, companyID, id string) (*models.WorkflowTemplate, error) {
	const op = "templates.Get"

	t, err := s.store.Templates().ByID(ctx, id)
	if err != nil {
		return nil, persistence.Translate(op, err)
	}

	if companyID != "" && t.CompanyID != companyID {
		return nil, apperr.NotFound(op, "template %s not found", id)
	}

	return t, nil
}

func (s *Service) List(ctx context.Context, filter persistence.TemplateFilter) ([]*models.WorkflowTemplate, error) {
	list, err := s.store.Templates().List(ctx, filter)

	return list, persistence.Translate("templates.List", err)
}

// Active returns the company's active templates for an entity type, optionally narrowed to one trigger.
func (s *Service) Active(ctx context.Context, companyID string, entity models.EntityType, trigger models.TriggerType) ([]*models.WorkflowTemplate, error) {
	return s.List(ctx, persistence.TemplateFilter{
		CompanyID:   companyID,
		EntityType:  entity,
		TriggerType: trigger,
		ActiveOnly:  true,
	})
}

// Seed creates or replaces each template by id. Templates without an id get
// one derived from company and name so reseeding is stable.
func (s *Service) Seed(ctx context.Context, list []models.WorkflowTemplate) error {
	for i := range list {
		t := list[i]
		if t.ID == "" {
			t.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(t.CompanyID+"/"+t.Name)).String()
		}

		_, err := s.Get(ctx, t.CompanyID, t.ID)

		switch {
		case err == nil:
			_, err = s.Update(ctx, &t)
		case apperr.IsNotFound(err):
			_, err = s.Create(ctx, &t)
		}

		if err != nil {
			return err
		}
	}

	return nil
}
