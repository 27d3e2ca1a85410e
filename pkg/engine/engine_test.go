package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absamo/triven-workflow/pkg/approvals"
	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/conditions"
	"github.com/absamo/triven-workflow/pkg/config"
	"github.com/absamo/triven-workflow/pkg/engine"
	"github.com/absamo/triven-workflow/pkg/log"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/persistence/memory"
	"github.com/absamo/triven-workflow/pkg/reassignment"
	"github.com/absamo/triven-workflow/pkg/templates"
	"github.com/absamo/triven-workflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *memory.Store
	templates  *templates.Service
	approvals  *approvals.Service
	reassigner *reassignment.Handler
	engine     *engine.Engine
	recorder   *testutil.Recorder
	clock      *testutil.Clock
}

func setup(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()

	store := memory.NewStore()
	requester := testutil.User("requester", "Member")
	requester.ManagerID = "mgr"

	testutil.SeedUsers(t, store,
		requester,
		testutil.User("mgr", "Manager"),
		testutil.User("u1", "Approver"),
		testutil.User("u2", "Approver"),
		testutil.User("u3", "Approver"),
		testutil.User("admin", "Admin"),
	)

	resolver := assignees.NewResolver(
		assignees.NewStoreDirectory(store),
		assignees.NewRoleGrants(store.Users(), config.Default().Permissions),
		"Admin",
		log.Discard(),
	)

	clock := testutil.NewClock(testutil.Epoch)
	recorder := &testutil.Recorder{}
	tmpl := templates.NewService(store, log.Discard(), templates.WithClock(clock.Now))
	reassigner := reassignment.NewHandler(store, resolver, recorder, log.Discard(), reassignment.WithClock(clock.Now))
	svc := approvals.NewService(store, resolver, reassigner, recorder, log.Discard(), approvals.WithClock(clock.Now))

	opts = append([]engine.Option{engine.WithClock(clock.Now)}, opts...)
	eng := engine.New(store, tmpl, conditions.New(), resolver, svc, recorder, log.Discard(), opts...)

	return &fixture{
		store: store, templates: tmpl, approvals: svc, reassigner: reassigner,
		engine: eng, recorder: recorder, clock: clock,
	}
}

func (f *fixture) template(t *testing.T, steps ...models.WorkflowStepDefinition) *models.WorkflowTemplate {
	t.Helper()

	created, err := f.templates.Create(context.Background(), testutil.CreateTestTemplate(testutil.WithSteps(steps...)))
	require.NoError(t, err)

	return created
}

func (f *fixture) trigger(t *testing.T, fields map[string]any) *models.WorkflowInstance {
	t.Helper()

	started, err := f.engine.HandleTrigger(context.Background(), engine.Trigger{
		CompanyID:  "c1",
		EntityType: models.EntityPurchaseOrder,
		EntityID:   "po-1",
		Type:       models.TriggerEntityCreated,
		Snapshot:   testutil.Snapshot("requester", f.clock.Now(), fields),
	})
	require.NoError(t, err)
	require.Len(t, started, 1)

	return started[0]
}

func (f *fixture) detail(t *testing.T, id string) *engine.InstanceDetail {
	t.Helper()

	d, err := f.engine.Instance(context.Background(), "c1", id)
	require.NoError(t, err)

	return d
}

func (f *fixture) openRequest(t *testing.T, instanceID string) *models.ApprovalRequest {
	t.Helper()

	var open []*models.ApprovalRequest

	for _, r := range f.detail(t, instanceID).Requests {
		if r.Status.IsOpen() {
			open = append(open, r)
		}
	}

	require.Len(t, open, 1)

	return open[0]
}

func (f *fixture) decide(t *testing.T, req *models.ApprovalRequest, actor string, d models.Decision) {
	t.Helper()

	reason := ""
	if d != models.DecisionApproved {
		reason = "not within budget"
	}

	_, err := f.approvals.Review(context.Background(), approvals.ReviewInput{
		RequestID: req.ID,
		CompanyID: "c1",
		ActorID:   actor,
		Decision:  d,
		Reason:    reason,
	})
	require.NoError(t, err)
}

func step(d *engine.InstanceDetail, number int) *models.StepExecution {
	for _, s := range d.Steps {
		if s.StepNumber == number {
			return s
		}
	}

	return nil
}

func TestSequentialApproveThenReject(t *testing.T) {
	f := setup(t)
	f.template(t,
		testutil.ApprovalStep(1, "Manager review", models.AssigneeUser, "u1"),
		testutil.ApprovalStep(2, "Finance review", models.AssigneeUser, "u2"),
	)

	inst := f.trigger(t, map[string]any{"amount": 5000})
	assert.Equal(t, models.InstanceInProgress, inst.Status)
	require.NotNil(t, inst.CurrentStepNumber)
	assert.Equal(t, 1, *inst.CurrentStepNumber)

	first := f.openRequest(t, inst.ID)
	assert.Equal(t, "u1", first.AssignedTo)
	assert.Len(t, f.recorder.ByTemplate(models.TemplateApprovalRequest), 1)

	f.decide(t, first, "u1", models.DecisionApproved)

	d := f.detail(t, inst.ID)
	assert.Equal(t, models.StepCompleted, step(d, 1).Status)
	assert.Equal(t, models.StepAssigned, step(d, 2).Status)
	assert.Equal(t, 2, *d.Instance.CurrentStepNumber)

	second := f.openRequest(t, inst.ID)
	assert.Equal(t, "u2", second.AssignedTo)

	f.clock.Advance(time.Hour)
	f.decide(t, second, "u2", models.DecisionRejected)

	d = f.detail(t, inst.ID)
	assert.Equal(t, models.InstanceFailed, d.Instance.Status)
	assert.Equal(t, "rejected at step 2", d.Instance.Outcome)
	require.NotNil(t, d.Instance.CompletedAt)
	assert.Equal(t, f.clock.Now(), *d.Instance.CompletedAt)
	assert.Nil(t, d.Instance.CurrentStepNumber)
	assert.Equal(t, models.StepFailed, step(d, 2).Status)

	_, err := f.engine.Cancel(context.Background(), engine.CancelInput{InstanceID: inst.ID, CompanyID: "c1", ActorID: "admin"})
	assert.True(t, apperr.IsConflict(err))
}

func TestStepFollowsRequestAssignment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.template(t, testutil.ApprovalStep(1, "Manager review", models.AssigneeUser, "u1"))

	inst := f.trigger(t, map[string]any{"amount": 5000})
	req := f.openRequest(t, inst.ID)
	require.Equal(t, models.StepAssigned, step(f.detail(t, inst.ID), 1).Status)

	_, err := f.approvals.Open(ctx, approvals.OpenInput{RequestID: req.ID, CompanyID: "c1", ActorID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, models.StepInProgress, step(f.detail(t, inst.ID), 1).Status)

	_, err = f.approvals.Review(ctx, approvals.ReviewInput{
		RequestID: req.ID, CompanyID: "c1", ActorID: "u1", Decision: models.DecisionDelegated,
		Reason: "travelling", DelegateTo: models.UserAssignment("u2"),
	})
	require.NoError(t, err)

	s := step(f.detail(t, inst.ID), 1)
	assert.Equal(t, models.StepAssigned, s.Status)
	assert.Equal(t, []string{"u2"}, s.AssigneeIDs)
	assert.Empty(t, s.AssignedRole)

	_, err = f.approvals.Open(ctx, approvals.OpenInput{RequestID: req.ID, CompanyID: "c1", ActorID: "u2"})
	require.NoError(t, err)

	u2, err := f.store.Users().ByID(ctx, "u2")
	require.NoError(t, err)
	u2.Active = false
	require.NoError(t, f.store.Users().Save(ctx, u2))

	changed, err := f.reassigner.CheckOrphan(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, changed)

	stored := f.openRequest(t, inst.ID)
	s = step(f.detail(t, inst.ID), 1)
	assert.Equal(t, models.StepAssigned, s.Status)
	assert.Equal(t, stored.AssignedRole, s.AssignedRole)
	assert.NotEmpty(t, s.AssignedRole)
	assert.NotContains(t, s.AssigneeIDs, "u2")

	f.decide(t, stored, "u3", models.DecisionApproved)
	assert.Equal(t, models.StepCompleted, step(f.detail(t, inst.ID), 1).Status)
}

func TestHandleTrigger_ConditionsNotMet(t *testing.T) {
	f := setup(t)

	_, err := f.templates.Create(context.Background(), testutil.CreateTestTemplate(
		testutil.WithTrigger(models.TriggerHighValue, &models.ConditionSet{
			Threshold: &models.ThresholdCondition{Field: "amount", Operator: models.OpGreaterThan, Value: 10000},
		}),
	))
	require.NoError(t, err)

	started, err := f.engine.HandleTrigger(context.Background(), engine.Trigger{
		CompanyID:  "c1",
		EntityType: models.EntityPurchaseOrder,
		EntityID:   "po-1",
		Type:       models.TriggerHighValue,
		Snapshot:   testutil.Snapshot("requester", testutil.Epoch, map[string]any{"amount": 500}),
	})
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestHandleTrigger_Validation(t *testing.T) {
	f := setup(t)

	_, err := f.engine.HandleTrigger(context.Background(), engine.Trigger{
		CompanyID:  "c1",
		EntityType: "spaceship",
		EntityID:   "x",
		Type:       models.TriggerEntityCreated,
	})
	assert.True(t, apperr.IsValidation(err))
}

func TestHandleTrigger_SkipsRunningInstance(t *testing.T) {
	f := setup(t)
	f.template(t, testutil.ApprovalStep(1, "Manager review", models.AssigneeUser, "u1"))

	f.trigger(t, nil)

	again, err := f.engine.HandleTrigger(context.Background(), engine.Trigger{
		CompanyID:  "c1",
		EntityType: models.EntityPurchaseOrder,
		EntityID:   "po-1",
		Type:       models.TriggerEntityCreated,
		Snapshot:   testutil.Snapshot("requester", testutil.Epoch, nil),
	})
	require.NoError(t, err)
	assert.Empty(t, again)

	list, err := f.engine.Instances(context.Background(), persistence.InstanceFilter{CompanyID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
}

func parallel(number int, ref string, allRequired bool) models.WorkflowStepDefinition {
	s := testutil.ApprovalStep(number, "Review "+ref, models.AssigneeUser, ref)
	s.Type = models.StepParallelApproval
	s.AllRequired = allRequired

	return s
}

func TestParallelGroup(t *testing.T) {
	tests := []struct {
		name        string
		allRequired bool
		decisions   []models.Decision
		want        models.InstanceStatus
		cancelled   int
	}{
		{
			name:      "majority approves",
			decisions: []models.Decision{models.DecisionApproved, models.DecisionRejected, models.DecisionApproved},
			want:      models.InstanceCompleted,
		},
		{
			name:      "majority rejects",
			decisions: []models.Decision{models.DecisionRejected, models.DecisionApproved, models.DecisionRejected},
			want:      models.InstanceFailed,
		},
		{
			name:        "all required fails fast",
			allRequired: true,
			decisions:   []models.Decision{models.DecisionRejected},
			want:        models.InstanceFailed,
			cancelled:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.template(t,
				parallel(1, "u1", tt.allRequired),
				parallel(2, "u2", tt.allRequired),
				parallel(3, "u3", tt.allRequired),
			)

			inst := f.trigger(t, nil)

			d := f.detail(t, inst.ID)
			require.Len(t, d.Requests, 3)

			for i, decision := range tt.decisions {
				reviewer := []string{"u1", "u2", "u3"}[i]

				for _, r := range d.Requests {
					if r.AssignedTo == reviewer {
						f.decide(t, r, reviewer, decision)
					}
				}
			}

			d = f.detail(t, inst.ID)
			assert.Equal(t, tt.want, d.Instance.Status)

			cancelled := 0

			for _, r := range d.Requests {
				if r.Status == models.ApprovalCancelled {
					cancelled++
				}
			}

			assert.Equal(t, tt.cancelled, cancelled)
		})
	}
}

func TestConditionalBranch(t *testing.T) {
	branch := models.WorkflowStepDefinition{
		StepNumber: 1,
		Name:       "Route by amount",
		Type:       models.StepConditionalLogic,
		IsRequired: true,
		Branches: []models.BranchRule{{
			Conditions: models.ConditionSet{
				Threshold: &models.ThresholdCondition{Field: "amount", Operator: models.OpGreaterThan, Value: 10000},
			},
			GoTo: 3,
		}},
	}

	tests := []struct {
		amount   int
		assignee string
		skipped  bool
	}{
		{amount: 20000, assignee: "u2", skipped: true},
		{amount: 500, assignee: "u1"},
	}

	for _, tt := range tests {
		f := setup(t)
		f.template(t,
			branch,
			testutil.ApprovalStep(2, "Team review", models.AssigneeUser, "u1"),
			testutil.ApprovalStep(3, "CFO review", models.AssigneeUser, "u2"),
		)

		inst := f.trigger(t, map[string]any{"amount": tt.amount})
		assert.Equal(t, tt.assignee, f.openRequest(t, inst.ID).AssignedTo)

		d := f.detail(t, inst.ID)
		assert.Equal(t, models.StepCompleted, step(d, 1).Status)
		assert.Equal(t, tt.skipped, step(d, 2) == nil)
	}
}

func TestAutomaticSteps(t *testing.T) {
	validation := models.WorkflowStepDefinition{
		StepNumber: 1,
		Name:       "Has supplier",
		Type:       models.StepDataValidation,
		IsRequired: true,
		Conditions: &models.ConditionSet{
			Fields: []models.FieldCondition{{Field: "supplier", Operator: models.OpNotEqual, Value: models.String("")}},
		},
	}

	action := models.WorkflowStepDefinition{
		StepNumber: 2,
		Name:       "Sync ERP",
		Type:       models.StepAutomaticAction,
		Action:     "erp.sync",
		IsRequired: false,
	}

	t.Run("validation failure fails the instance", func(t *testing.T) {
		f := setup(t)
		f.template(t, validation, testutil.ApprovalStep(3, "Review", models.AssigneeUser, "u1"))

		inst := f.trigger(t, map[string]any{"supplier": ""})
		assert.Equal(t, models.InstanceFailed, inst.Status)
		assert.Contains(t, inst.Outcome, "step 1 failed")
	})

	t.Run("missing optional action is skipped", func(t *testing.T) {
		f := setup(t)
		f.template(t, validation, action, testutil.ApprovalStep(3, "Review", models.AssigneeUser, "u1"))

		inst := f.trigger(t, map[string]any{"supplier": "acme"})
		d := f.detail(t, inst.ID)
		assert.Equal(t, models.StepSkipped, step(d, 2).Status)
		assert.Equal(t, models.StepAssigned, step(d, 3).Status)
	})

	t.Run("registered action runs", func(t *testing.T) {
		var ran []string

		f := setup(t, engine.WithAction("erp.sync", engine.ActionFunc(func(_ context.Context, in engine.ActionInput) error {
			ran = append(ran, in.Instance.EntityID)

			return nil
		})))
		f.template(t, validation, action)

		inst := f.trigger(t, map[string]any{"supplier": "acme"})
		assert.Equal(t, []string{"po-1"}, ran)
		assert.Equal(t, models.InstanceCompleted, inst.Status)
		assert.Equal(t, "approved", inst.Outcome)
	})

	t.Run("required action error fails", func(t *testing.T) {
		required := action
		required.IsRequired = true

		f := setup(t, engine.WithAction("erp.sync", engine.ActionFunc(func(context.Context, engine.ActionInput) error {
			return errors.New("erp unavailable")
		})))
		f.template(t, required)

		inst := f.trigger(t, nil)
		assert.Equal(t, models.InstanceFailed, inst.Status)
		assert.Contains(t, inst.Outcome, "erp unavailable")
	})
}

func TestUnresolvableStep(t *testing.T) {
	t.Run("required step escalates at activation", func(t *testing.T) {
		f := setup(t)
		f.template(t, testutil.ApprovalStep(1, "Ghost review", models.AssigneeRole, "Ghost"))

		inst := f.trigger(t, nil)
		req := f.openRequest(t, inst.ID)
		assert.Equal(t, "mgr", req.AssignedTo)
		assert.Equal(t, 1, req.EscalationLevel)
		assert.Equal(t, 1, step(f.detail(t, inst.ID), 1).EscalationCount)
	})

	t.Run("optional step is skipped", func(t *testing.T) {
		f := setup(t)
		optional := testutil.ApprovalStep(1, "Ghost review", models.AssigneeRole, "Ghost")
		optional.IsRequired = false
		f.template(t, optional, testutil.ApprovalStep(2, "Review", models.AssigneeUser, "u1"))

		inst := f.trigger(t, nil)
		assert.Equal(t, "u1", f.openRequest(t, inst.ID).AssignedTo)
		assert.Equal(t, models.StepSkipped, step(f.detail(t, inst.ID), 1).Status)
	})

	t.Run("no escalation path escalates the instance", func(t *testing.T) {
		f := setup(t)
		s := testutil.ApprovalStep(1, "Ghost review", models.AssigneeRole, "Ghost")
		s.EscalationTarget = models.EscalateNone
		f.template(t, s)

		inst := f.trigger(t, nil)
		assert.Equal(t, models.InstanceEscalated, inst.Status)
	})
}

func TestEscalationChain(t *testing.T) {
	cfg := config.Default().Escalation
	cfg.MaxDepth = 2

	f := setup(t, engine.WithEscalation(cfg))
	f.template(t, testutil.ApprovalStep(1, "Review", models.AssigneeUser, "u1"))
	inst := f.trigger(t, nil)

	first := f.openRequest(t, inst.ID)

	ok, err := f.engine.EscalateRequest(context.Background(), first.ID, engine.CauseTimeout)
	require.NoError(t, err)
	assert.True(t, ok)

	second := f.openRequest(t, inst.ID)
	assert.Equal(t, "mgr", second.AssignedTo)
	assert.Equal(t, first.ID, second.EscalatedFromID)
	assert.Equal(t, 1, second.EscalationLevel)

	ok, err = f.engine.EscalateRequest(context.Background(), first.ID, engine.CauseTimeout)
	require.NoError(t, err)
	assert.False(t, ok, "closed request is not escalated twice")

	_, err = f.engine.EscalateRequest(context.Background(), second.ID, engine.CauseTimeout)
	require.NoError(t, err)

	third := f.openRequest(t, inst.ID)
	assert.Equal(t, "Admin", third.AssignedRole)
	assert.Equal(t, 2, third.EscalationLevel)

	_, err = f.engine.EscalateRequest(context.Background(), third.ID, engine.CauseTimeout)
	require.NoError(t, err)

	d := f.detail(t, inst.ID)
	assert.Equal(t, models.InstanceEscalated, d.Instance.Status)
	assert.Equal(t, models.StepEscalated, step(d, 1).Status)
}

func TestEscalationDisabledTimesOut(t *testing.T) {
	f := setup(t)
	s := testutil.ApprovalStep(1, "Review", models.AssigneeUser, "u1")
	s.EscalationTarget = models.EscalateNone
	f.template(t, s)

	inst := f.trigger(t, nil)

	_, err := f.engine.EscalateRequest(context.Background(), f.openRequest(t, inst.ID).ID, engine.CauseTimeout)
	require.NoError(t, err)

	d := f.detail(t, inst.ID)
	assert.Equal(t, models.InstanceTimeout, d.Instance.Status)
	assert.Equal(t, models.StepTimeout, step(d, 1).Status)
}

func TestCancel(t *testing.T) {
	f := setup(t)
	f.template(t, testutil.ApprovalStep(1, "Review", models.AssigneeUser, "u1"))
	inst := f.trigger(t, nil)

	_, err := f.engine.Cancel(context.Background(), engine.CancelInput{InstanceID: inst.ID, CompanyID: "c1", ActorID: "u2"})
	assert.True(t, apperr.IsForbidden(err))

	cancelled, err := f.engine.Cancel(context.Background(), engine.CancelInput{InstanceID: inst.ID, CompanyID: "c1", ActorID: "requester"})
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCancelled, cancelled.Status)

	d := f.detail(t, inst.ID)
	assert.Equal(t, models.ApprovalCancelled, d.Requests[0].Status)
	assert.Equal(t, models.StepSkipped, step(d, 1).Status)

	_, err = f.engine.Instance(context.Background(), "other", inst.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func TestReconcile_ActivatesMissingStep(t *testing.T) {
	f := setup(t)
	f.template(t,
		testutil.ApprovalStep(1, "Review", models.AssigneeUser, "u1"),
		testutil.ApprovalStep(2, "Second review", models.AssigneeUser, "u2"),
	)
	inst := f.trigger(t, nil)

	healed, err := f.engine.Reconcile(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.False(t, healed)

	// resolve step 1 behind the engine's back, as a crash after the decision would leave it
	d := f.detail(t, inst.ID)
	exec := step(d, 1)
	require.NoError(t, exec.Transition(models.StepCompleted, f.clock.Now()))
	require.NoError(t, f.store.Steps().Update(context.Background(), exec))

	healed, err = f.engine.Reconcile(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.True(t, healed)

	d = f.detail(t, inst.ID)
	assert.Equal(t, models.StepAssigned, step(d, 2).Status)
	assert.Equal(t, 2, *d.Instance.CurrentStepNumber)
}
