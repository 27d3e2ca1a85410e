// Package memory provides an in-process transactional store.
//
// Transactions are serialized and roll back by restoring a snapshot taken at
// begin. Stored values are never mutated in place, every write stores a fresh
// copy, so a snapshot only needs to copy the maps. Readers outside a
// transaction may observe writes of a transaction that has not returned yet.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
)

type state struct {
	templates map[string]*models.WorkflowTemplate
	instances map[string]*models.WorkflowInstance
	steps     map[string]*models.StepExecution
	approvals map[string]*models.ApprovalRequest
	comments  map[string][]*models.ApprovalComment
	users     map[string]*models.User
	sites     map[string]*models.Site
	prefs     map[string]*models.Preference
}

func newState() *state {
	return &state{
		templates: map[string]*models.WorkflowTemplate{},
		instances: map[string]*models.WorkflowInstance{},
		steps:     map[string]*models.StepExecution{},
		approvals: map[string]*models.ApprovalRequest{},
		comments:  map[string][]*models.ApprovalComment{},
		users:     map[string]*models.User{},
		sites:     map[string]*models.Site{},
		prefs:     map[string]*models.Preference{},
	}
}

func (s *state) snapshot() *state {
	comments := make(map[string][]*models.ApprovalComment, len(s.comments))
	for k, v := range s.comments {
		comments[k] = slices.Clone(v)
	}

	return &state{
		templates: maps.Clone(s.templates),
		instances: maps.Clone(s.instances),
		steps:     maps.Clone(s.steps),
		approvals: maps.Clone(s.approvals),
		comments:  comments,
		users:     maps.Clone(s.users),
		sites:     maps.Clone(s.sites),
		prefs:     maps.Clone(s.prefs),
	}
}

// Store implements persistence.Persistence in memory.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *state
}

var _ persistence.Persistence = (*Store)(nil)

func NewStore() *Store {
	return &Store{data: newState()}
}

func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, repos persistence.Repositories) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snap := s.data.snapshot()
	s.mu.RUnlock()

	defer func() {
		if p := recover(); p != nil {
			s.restore(snap)
			panic(p)
		}

		if err != nil {
			s.restore(snap)
		}
	}()

	return fn(ctx, repos{store: s, inTx: true})
}

func (s *Store) restore(snap *state) {
	s.mu.Lock()
	s.data = snap
	s.mu.Unlock()
}

func (s *Store) HealthCheck(context.Context) error { return nil }

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Templates() persistence.TemplateRepository { return &templateRepo{repos{store: s}} }

func (s *Store) Instances() persistence.InstanceRepository { return &instanceRepo{repos{store: s}} }

func (s *Store) Steps() persistence.StepRepository { return &stepRepo{repos{store: s}} }

func (s *Store) Approvals() persistence.ApprovalRepository { return &approvalRepo{repos{store: s}} }

func (s *Store) Comments() persistence.CommentRepository { return &commentRepo{repos{store: s}} }

func (s *Store) Users() persistence.UserRepository { return &userRepo{repos{store: s}} }

func (s *Store) Sites() persistence.SiteRepository { return &siteRepo{repos{store: s}} }

func (s *Store) Preferences() persistence.PreferenceRepository { return &preferenceRepo{repos{store: s}} }

// write runs fn under the data lock; outside a transaction it also takes the
// transaction lock so a concurrent rollback cannot discard it.
func (s *Store) write(inTx bool, fn func(d *state) error) error {
	if !inTx {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(s.data)
}

func (s *Store) read(fn func(d *state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(s.data)
}

// repos is the Repositories view bound to a transaction or to auto-commit mode.
type repos struct {
	store *Store
	inTx  bool
}

func (r repos) Templates() persistence.TemplateRepository { return &templateRepo{r} }
func (r repos) Instances() persistence.InstanceRepository { return &instanceRepo{r} }
func (r repos) Steps() persistence.StepRepository { return &stepRepo{r} }
func (r repos) Approvals() persistence.ApprovalRepository { return &approvalRepo{r} }
func (r repos) Comments() persistence.CommentRepository { return &commentRepo{r} }
func (r repos) Users() persistence.UserRepository { return &userRepo{r} }
func (r repos) Sites() persistence.SiteRepository { return &siteRepo{r} }
func (r repos) Preferences() persistence.PreferenceRepository { return &preferenceRepo{r} }

func (r repos) write(fn func(d *state) error) error { return r.store.write(r.inTx, fn) }

func (r repos) read(fn func(d *state) error) error { return r.store.read(fn) }

// checkAndSet compares versions and bumps next on success.
func checkAndSet(current, next *int64) error {
	if *current != *next {
		return persistence.ErrVersionConflict
	}

	*next++

	return nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}

	c := *p

	return &c
}

func cloneTemplate(t *models.WorkflowTemplate) *models.WorkflowTemplate {
	c := *t
	c.Steps = slices.Clone(t.Steps)

	return &c
}

func cloneInstance(i *models.WorkflowInstance) *models.WorkflowInstance {
	c := *i
	c.CurrentStepNumber = clonePtr(i.CurrentStepNumber)
	c.CompletedAt = clonePtr(i.CompletedAt)
	c.Template.Steps = slices.Clone(i.Template.Steps)
	c.Snapshot.Fields = maps.Clone(i.Snapshot.Fields)

	return &c
}

func cloneStep(s *models.StepExecution) *models.StepExecution {
	c := *s
	c.AssigneeIDs = slices.Clone(s.AssigneeIDs)
	c.DeadlineAt = clonePtr(s.DeadlineAt)
	c.ResolvedAt = clonePtr(s.ResolvedAt)
	c.NextStepNumber = clonePtr(s.NextStepNumber)

	return &c
}

func cloneApproval(r *models.ApprovalRequest) *models.ApprovalRequest {
	c := *r
	c.Data = maps.Clone(r.Data)
	c.NotifiedTiers = slices.Clone(r.NotifiedTiers)
	c.ReviewedAt = clonePtr(r.ReviewedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.ExpiresAt = clonePtr(r.ExpiresAt)

	return &c
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Roles = slices.Clone(u.Roles)

	return &c
}

// window applies a normalized page to a sorted slice.
func window[T any](items []T, page persistence.Page) []T {
	page = page.Normalize()
	if page.Offset >= len(items) {
		return []T{}
	}

	end := min(page.Offset+page.Limit, len(items))

	return items[page.Offset:end]
}
