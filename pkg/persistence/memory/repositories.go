package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
)

type templateRepo struct{ repos }

func (r *templateRepo) Create(_ context.Context, t *models.WorkflowTemplate) error {
	return r.write(func(d *state) error {
		if _, ok := d.templates[t.ID]; ok {
			return persistence.NewEntityError("create", "workflow_template", t.ID, persistence.ErrAlreadyExists)
		}

		t.Version = 1
		d.templates[t.ID] = cloneTemplate(t)

		return nil
	})
}

func (r *templateRepo) Update(_ context.Context, t *models.WorkflowTemplate) error {
	return r.write(func(d *state) error {
		current, ok := d.templates[t.ID]
		if !ok {
			return persistence.ErrTemplateNotFound
		}

		if err := checkAndSet(&current.Version, &t.Version); err != nil {
			return persistence.NewEntityError("update", "workflow_template", t.ID, err)
		}

		d.templates[t.ID] = cloneTemplate(t)

		return nil
	})
}

func (r *templateRepo) ByID(_ context.Context, id string) (*models.WorkflowTemplate, error) {
	var out *models.WorkflowTemplate

	err := r.read(func(d *state) error {
		t, ok := d.templates[id]
		if !ok {
			return persistence.ErrTemplateNotFound
		}

		out = cloneTemplate(t)

		return nil
	})

	return out, err
}

func (r *templateRepo) List(_ context.Context, filter persistence.TemplateFilter) ([]*models.WorkflowTemplate, error) {
	out := make([]*models.WorkflowTemplate, 0)

	_ = r.read(func(d *state) error {
		for _, t := range d.templates {
			if filter.CompanyID != "" && t.CompanyID != filter.CompanyID {
				continue
			}

			if filter.EntityType != "" && t.EntityType != filter.EntityType {
				continue
			}

			if filter.TriggerType != "" && t.TriggerType != filter.TriggerType {
				continue
			}

			if filter.ActiveOnly && !t.IsActive {
				continue
			}

			out = append(out, cloneTemplate(t))
		}

		return nil
	})

	slices.SortFunc(out, func(a, b *models.WorkflowTemplate) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.ID, b.ID))
	})

	return out, nil
}

type instanceRepo struct{ repos }

func (r *instanceRepo) Create(_ context.Context, i *models.WorkflowInstance) error {
	return r.write(func(d *state) error {
		if _, ok := d.instances[i.ID]; ok {
			return persistence.NewEntityError("create", "workflow_instance", i.ID, persistence.ErrAlreadyExists)
		}

		i.Version = 1
		d.instances[i.ID] = cloneInstance(i)

		return nil
	})
}

func (r *instanceRepo) Update(_ context.Context, i *models.WorkflowInstance) error {
	return r.write(func(d *state) error {
		current, ok := d.instances[i.ID]
		if !ok {
			return persistence.ErrInstanceNotFound
		}

		if err := checkAndSet(&current.Version, &i.Version); err != nil {
			return persistence.NewEntityError("update", "workflow_instance", i.ID, err)
		}

		d.instances[i.ID] = cloneInstance(i)

		return nil
	})
}

func (r *instanceRepo) ByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	var out *models.WorkflowInstance

	err := r.read(func(d *state) error {
		i, ok := d.instances[id]
		if !ok {
			return persistence.ErrInstanceNotFound
		}

		out = cloneInstance(i)

		return nil
	})

	return out, err
}

func (r *instanceRepo) List(_ context.Context, filter persistence.InstanceFilter) ([]*models.WorkflowInstance, int, error) {
	matched := make([]*models.WorkflowInstance, 0)

	_ = r.read(func(d *state) error {
		for _, i := range d.instances {
			if filter.CompanyID != "" && i.CompanyID != filter.CompanyID {
				continue
			}

			if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, i.Status) {
				continue
			}

			if filter.EntityType != "" && i.EntityType != filter.EntityType {
				continue
			}

			if filter.EntityID != "" && i.EntityID != filter.EntityID {
				continue
			}

			matched = append(matched, i)
		}

		return nil
	})

	slices.SortFunc(matched, func(a, b *models.WorkflowInstance) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), strings.Compare(a.ID, b.ID))
	})

	page := window(matched, filter.Page)
	out := make([]*models.WorkflowInstance, len(page))

	for n, i := range page {
		out[n] = cloneInstance(i)
	}

	return out, len(matched), nil
}

func (r *instanceRepo) ListActive(_ context.Context, afterID string, limit int) ([]*models.WorkflowInstance, error) {
	active := make([]*models.WorkflowInstance, 0)

	_ = r.read(func(d *state) error {
		for _, i := range d.instances {
			if i.Status == models.InstanceInProgress && i.ID > afterID {
				active = append(active, cloneInstance(i))
			}
		}

		return nil
	})

	slices.SortFunc(active, func(a, b *models.WorkflowInstance) int { return strings.Compare(a.ID, b.ID) })

	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}

	return active, nil
}

type stepRepo struct{ repos }

func (r *stepRepo) Create(_ context.Context, s *models.StepExecution) error {
	return r.write(func(d *state) error {
		if _, ok := d.steps[s.ID]; ok {
			return persistence.NewEntityError("create", "step_execution", s.ID, persistence.ErrAlreadyExists)
		}

		s.Version = 1
		d.steps[s.ID] = cloneStep(s)

		return nil
	})
}

func (r *stepRepo) Update(_ context.Context, s *models.StepExecution) error {
	return r.write(func(d *state) error {
		current, ok := d.steps[s.ID]
		if !ok {
			return persistence.ErrStepNotFound
		}

		if err := checkAndSet(&current.Version, &s.Version); err != nil {
			return persistence.NewEntityError("update", "step_execution", s.ID, err)
		}

		d.steps[s.ID] = cloneStep(s)

		return nil
	})
}

func (r *stepRepo) ByID(_ context.Context, id string) (*models.StepExecution, error) {
	var out *models.StepExecution

	err := r.read(func(d *state) error {
		s, ok := d.steps[id]
		if !ok {
			return persistence.ErrStepNotFound
		}

		out = cloneStep(s)

		return nil
	})

	return out, err
}

func (r *stepRepo) ByInstance(_ context.Context, instanceID string) ([]*models.StepExecution, error) {
	out := make([]*models.StepExecution, 0)

	_ = r.read(func(d *state) error {
		for _, s := range d.steps {
			if s.InstanceID == instanceID {
				out = append(out, cloneStep(s))
			}
		}

		return nil
	})

	slices.SortFunc(out, func(a, b *models.StepExecution) int {
		return cmp.Or(cmp.Compare(a.StepNumber, b.StepNumber), a.ActivatedAt.Compare(b.ActivatedAt), strings.Compare(a.ID, b.ID))
	})

	return out, nil
}

type approvalRepo struct{ repos }

func (r *approvalRepo) Create(_ context.Context, req *models.ApprovalRequest) error {
	return r.write(func(d *state) error {
		if _, ok := d.approvals[req.ID]; ok {
			return persistence.NewEntityError("create", "approval_request", req.ID, persistence.ErrAlreadyExists)
		}

		req.Version = 1
		d.approvals[req.ID] = cloneApproval(req)

		return nil
	})
}

func (r *approvalRepo) Update(_ context.Context, req *models.ApprovalRequest) error {
	return r.write(func(d *state) error {
		current, ok := d.approvals[req.ID]
		if !ok {
			return persistence.ErrApprovalNotFound
		}

		if err := checkAndSet(&current.Version, &req.Version); err != nil {
			return persistence.NewEntityError("update", "approval_request", req.ID, err)
		}

		d.approvals[req.ID] = cloneApproval(req)

		return nil
	})
}

func (r *approvalRepo) ByID(_ context.Context, id string) (*models.ApprovalRequest, error) {
	var out *models.ApprovalRequest

	err := r.read(func(d *state) error {
		req, ok := d.approvals[id]
		if !ok {
			return persistence.ErrApprovalNotFound
		}

		out = cloneApproval(req)

		return nil
	})

	return out, err
}

func (r *approvalRepo) List(_ context.Context, filter persistence.ApprovalFilter) ([]*models.ApprovalRequest, int, error) {
	matched := make([]*models.ApprovalRequest, 0)

	_ = r.read(func(d *state) error {
		for _, req := range d.approvals {
			if matchesApproval(req, filter) {
				matched = append(matched, req)
			}
		}

		return nil
	})

	slices.SortFunc(matched, func(a, b *models.ApprovalRequest) int {
		return cmp.Or(b.RequestedAt.Compare(a.RequestedAt), strings.Compare(a.ID, b.ID))
	})

	page := window(matched, filter.Page)
	out := make([]*models.ApprovalRequest, len(page))

	for n, req := range page {
		out[n] = cloneApproval(req)
	}

	return out, len(matched), nil
}

func matchesApproval(req *models.ApprovalRequest, filter persistence.ApprovalFilter) bool {
	switch {
	case filter.CompanyID != "" && req.CompanyID != filter.CompanyID:
		return false
	case len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, req.Status):
		return false
	case filter.Priority != "" && req.Priority != filter.Priority:
		return false
	case filter.EntityType != "" && req.EntityType != filter.EntityType:
		return false
	case filter.EntityID != "" && req.EntityID != filter.EntityID:
		return false
	case filter.AssignedTo != "" && req.AssignedTo != filter.AssignedTo:
		return false
	case filter.AssignedRole != "" && req.AssignedRole != filter.AssignedRole:
		return false
	default:
		return true
	}
}

func (r *approvalRepo) ListOpen(_ context.Context, afterID string, limit int) ([]*models.ApprovalRequest, error) {
	open := make([]*models.ApprovalRequest, 0)

	_ = r.read(func(d *state) error {
		for _, req := range d.approvals {
			if req.Status.IsOpen() && req.ID > afterID {
				open = append(open, cloneApproval(req))
			}
		}

		return nil
	})

	slices.SortFunc(open, func(a, b *models.ApprovalRequest) int { return strings.Compare(a.ID, b.ID) })

	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}

	return open, nil
}

func (r *approvalRepo) ByInstance(_ context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	out := make([]*models.ApprovalRequest, 0)

	_ = r.read(func(d *state) error {
		for _, req := range d.approvals {
			if req.WorkflowInstanceID == instanceID {
				out = append(out, cloneApproval(req))
			}
		}

		return nil
	})

	slices.SortFunc(out, func(a, b *models.ApprovalRequest) int {
		return cmp.Or(a.RequestedAt.Compare(b.RequestedAt), strings.Compare(a.ID, b.ID))
	})

	return out, nil
}

type commentRepo struct{ repos }

func (r *commentRepo) Create(_ context.Context, c *models.ApprovalComment) error {
	return r.write(func(d *state) error {
		if _, ok := d.approvals[c.ApprovalRequestID]; !ok {
			return persistence.ErrApprovalNotFound
		}

		stored := *c
		d.comments[c.ApprovalRequestID] = append(slices.Clone(d.comments[c.ApprovalRequestID]), &stored)

		return nil
	})
}

func (r *commentRepo) ByRequest(_ context.Context, requestID string, includeInternal bool) ([]*models.ApprovalComment, error) {
	out := make([]*models.ApprovalComment, 0)

	_ = r.read(func(d *state) error {
		for _, c := range d.comments[requestID] {
			if c.IsInternal && !includeInternal {
				continue
			}

			stored := *c
			out = append(out, &stored)
		}

		return nil
	})

	slices.SortStableFunc(out, func(a, b *models.ApprovalComment) int { return a.CreatedAt.Compare(b.CreatedAt) })

	return out, nil
}

type userRepo struct{ repos }

func (r *userRepo) Save(_ context.Context, u *models.User) error {
	return r.write(func(d *state) error {
		d.users[u.ID] = cloneUser(u)

		return nil
	})
}

func (r *userRepo) ByID(_ context.Context, id string) (*models.User, error) {
	var out *models.User

	err := r.read(func(d *state) error {
		u, ok := d.users[id]
		if !ok {
			return persistence.ErrUserNotFound
		}

		out = cloneUser(u)

		return nil
	})

	return out, err
}

func (r *userRepo) ByRole(_ context.Context, companyID, role string) ([]*models.User, error) {
	out := make([]*models.User, 0)

	_ = r.read(func(d *state) error {
		for _, u := range d.users {
			if u.CompanyID == companyID && u.HasRole(role) {
				out = append(out, cloneUser(u))
			}
		}

		return nil
	})

	slices.SortFunc(out, func(a, b *models.User) int { return strings.Compare(a.ID, b.ID) })

	return out, nil
}

type siteRepo struct{ repos }

func (r *siteRepo) Save(_ context.Context, s *models.Site) error {
	return r.write(func(d *state) error {
		d.sites[s.ID] = clonePtr(s)

		return nil
	})
}

func (r *siteRepo) ByID(_ context.Context, id string) (*models.Site, error) {
	var out *models.Site

	err := r.read(func(d *state) error {
		s, ok := d.sites[id]
		if !ok {
			return persistence.ErrSiteNotFound
		}

		out = clonePtr(s)

		return nil
	})

	return out, err
}

type preferenceRepo struct{ repos }

func (r *preferenceRepo) Save(_ context.Context, p *models.Preference) error {
	return r.write(func(d *state) error {
		d.prefs[p.UserID] = clonePtr(p)

		return nil
	})
}

func (r *preferenceRepo) ByUser(_ context.Context, userID string) (*models.Preference, error) {
	var out *models.Preference

	err := r.read(func(d *state) error {
		p, ok := d.prefs[userID]
		if !ok {
			return persistence.ErrPreferenceNotFound
		}

		out = clonePtr(p)

		return nil
	})

	return out, err
}
