package approvals_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absamo/triven-workflow/pkg/approvals"
	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/config"
	"github.com/absamo/triven-workflow/pkg/log"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/persistence/memory"
	"github.com/absamo/triven-workflow/pkg/reassignment"
	"github.com/absamo/triven-workflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	resolved   []string
	escalated  []string
	opened     []string
	reassigned []string
}

func (c *fakeCoordinator) RequestOpened(_ context.Context, _ persistence.Repositories, req *models.ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opened = append(c.opened, req.ID)

	return nil
}

func (c *fakeCoordinator) RequestReassigned(_ context.Context, _ persistence.Repositories, req *models.ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reassigned = append(c.reassigned, req.ID)

	return nil
}

func (c *fakeCoordinator) RequestResolved(_ context.Context, _ persistence.Repositories, _ *notify.Outbox, req *models.ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resolved = append(c.resolved, req.ID)

	return nil
}

func (c *fakeCoordinator) Escalate(ctx context.Context, repos persistence.Repositories, _ *notify.Outbox, req *models.ApprovalRequest, cause string) error {
	c.mu.Lock()
	c.escalated = append(c.escalated, req.ID+":"+cause)
	c.mu.Unlock()

	if err := req.Close(models.ApprovalEscalated, testutil.Epoch); err != nil {
		return err
	}

	return repos.Approvals().Update(ctx, req)
}

type fixture struct {
	store       *memory.Store
	service     *approvals.Service
	recorder    *testutil.Recorder
	coordinator *fakeCoordinator
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	testutil.SeedUsers(t, store,
		testutil.User("requester", "Member"),
		testutil.User("u1", "Approver"),
		testutil.User("u2", "Approver"),
		testutil.User("admin", "Admin"),
		testutil.User("viewer"),
	)

	resolver := assignees.NewResolver(
		assignees.NewStoreDirectory(store),
		assignees.NewRoleGrants(store.Users(), config.Default().Permissions),
		"Admin",
		log.Discard(),
	)

	clock := testutil.NewClock(testutil.Epoch)
	recorder := &testutil.Recorder{}
	reassigner := reassignment.NewHandler(store, resolver, recorder, log.Discard(), reassignment.WithClock(clock.Now))
	service := approvals.NewService(store, resolver, reassigner, recorder, log.Discard(), approvals.WithClock(clock.Now))
	coordinator := &fakeCoordinator{}
	service.SetCoordinator(coordinator)

	return &fixture{store: store, service: service, recorder: recorder, coordinator: coordinator}
}

func (f *fixture) create(t *testing.T, mutate ...func(*approvals.CreateInput)) *models.ApprovalRequest {
	t.Helper()

	in := approvals.CreateInput{
		CompanyID:   "c1",
		ActorID:     "requester",
		EntityType:  models.EntityPurchaseOrder,
		EntityID:    "po-1",
		RequestType: "purchase_order_approval",
		AssignedTo:  "u1",
		Title:       "Approve PO-1",
	}

	for _, m := range mutate {
		m(&in)
	}

	req, err := f.service.Create(context.Background(), in)
	require.NoError(t, err)

	return req
}

func TestCreate(t *testing.T) {
	t.Parallel()

	f := setup(t)
	req := f.create(t)

	assert.Equal(t, models.ApprovalPending, req.Status)
	assert.Equal(t, models.PriorityMedium, req.Priority)
	assert.True(t, req.IsAdHoc())
	assert.Equal(t, int64(1), req.Version)

	sent := f.recorder.ByTemplate(models.TemplateApprovalRequest)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"u1"}, sent[0].Recipients)
}

func TestCreate_RoleNotifiesMembers(t *testing.T) {
	t.Parallel()

	f := setup(t)
	f.create(t, func(in *approvals.CreateInput) {
		in.AssignedTo = ""
		in.AssignedRole = "Approver"
	})

	sent := f.recorder.ByTemplate(models.TemplateApprovalRequest)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"u1", "u2"}, sent[0].Recipients)
}

func TestCreate_Rejections(t *testing.T) {
	t.Parallel()

	f := setup(t)
	past := testutil.Epoch.Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(*approvals.CreateInput)
		check  func(error) bool
	}{
		{"no permission", func(in *approvals.CreateInput) { in.ActorID = "viewer" }, apperr.IsForbidden},
		{"both targets", func(in *approvals.CreateInput) { in.AssignedRole = "Approver" }, apperr.IsValidation},
		{"no target", func(in *approvals.CreateInput) { in.AssignedTo = "" }, apperr.IsValidation},
		{"missing title", func(in *approvals.CreateInput) { in.Title = "" }, apperr.IsValidation},
		{"bad entity", func(in *approvals.CreateInput) { in.EntityType = "spaceship" }, apperr.IsValidation},
		{"bad priority", func(in *approvals.CreateInput) { in.Priority = "Whenever" }, apperr.IsValidation},
		{"expired", func(in *approvals.CreateInput) { in.ExpiresAt = &past }, apperr.IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := approvals.CreateInput{
				CompanyID: "c1", ActorID: "requester", EntityType: models.EntityPurchaseOrder,
				EntityID: "po-1", RequestType: "po", AssignedTo: "u1", Title: "t",
			}
			tt.mutate(&in)

			_, err := f.service.Create(context.Background(), in)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	res, err := f.service.List(context.Background(), persistence.ApprovalFilter{CompanyID: "c1"})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestReview_ApproveNotifiesRequester(t *testing.T) {
	t.Parallel()

	f := setup(t)
	req := f.create(t)

	got, err := f.service.Review(context.Background(), approvals.ReviewInput{
		RequestID: req.ID, CompanyID: "c1", ActorID: "u1", Decision: models.DecisionApproved,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalApproved, got.Status)
	assert.Equal(t, "u1", got.ReviewedBy)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, f.coordinator.resolved, "ad-hoc requests have no step")

	sent := f.recorder.ByTemplate(models.TemplateApprovalApproved)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"requester"}, sent[0].Recipients)
}

func TestReview_ReasonRequiredUnlessApproved(t *testing.T) {
	t.Parallel()

	f := setup(t)
	req := f.create(t)

	for _, d := range []models.Decision{
		models.DecisionRejected, models.DecisionEscalated, models.DecisionMoreInfoRequired,
		models.DecisionConditionalApproval, models.DecisionDelegated,
	} {
		_, err := f.service.Review(context.Background(), approvals.ReviewInput{
			RequestID: req.ID, ActorID: "u1", Decision: d, DelegateTo: models.UserAssignment("u2"),
		})
		assert.True(t, apperr.IsValidation(err), "decision %s: %v", d, err)
	}

	_, err := f.service.Review(context.Background(), approvals.ReviewInput{RequestID: req.ID, ActorID: "u1", Decision: "maybe"})
	assert.True(t, apperr.IsValidation(err))

	stored, err := f.service.Get(context.Background(), "c1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, stored.Status)
	assert.Empty(t, stored.Decision)
}

func TestReview_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	f := setup(t)
	req := f.create(t, func(in *approvals.CreateInput) {
		in.AssignedTo = ""
		in.AssignedRole = "Approver"
	})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		errs  []error
		start = make(chan struct{})
	)

	for _, reviewer := range []string{"u1", "u2"} {
		wg.Add(1)

		go func(reviewer string) {
			defer wg.Done()
			<-start

			_, err := f.service.Review(context.Background(), approvals.ReviewInput{
				RequestID: req.ID, ActorID: reviewer, Decision: models.DecisionRejected, Reason: "no budget",
			})

			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(reviewer)
	}

	close(start)
	wg.Wait()

	require.Len(t, errs, 2)

	var ok, conflicts int

	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.IsConflict(err):
			conflicts++
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, f.recorder.ByTemplate(models.TemplateApprovalRejected), 1)
}

func TestReview_StaleVersionConflicts(t *testing.T) {
	t.Parallel()

	f := setup(t)
	req := f.create(t)

	_, err := f.service.Review(context.Background(), approvals.ReviewInput{
		RequestID: req.ID, ActorID: "u1", Decision: models.DecisionApproved, Version: req.Version + 1,
	})
	assert.True(t, apperr.IsConflict(err))
}

func TestReview_Authorization(t *testing.T) {
	t.Parallel()

	f := setup(t)
	req := f.create(t)

	_, err := f.service.Review(context.Background(), approvals.ReviewInput{
		RequestID: req.ID, ActorID: "u2", Decision: models.DecisionApproved,
	})
	assert.True(t, apperr.IsForbidden(err))

	got, err := f.service.Review(context.Background(), approvals.ReviewInput{
		RequestID: req.ID, ActorID: "admin", Decision: models.DecisionApproved,
	})
	require.NoError(t, err, "override permission may review")
	assert.Equal(t, models.ApprovalApproved, got.Status)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	f := setup(t)
	req := f.create(t)

	_, err := f.service.Open(context.Background(), approvals.OpenInput{RequestID: req.ID, ActorID: "viewer"})
	assert.True(t, apperr.IsForbidden(err))

	got, err := f.service.Open(context.Background(), approvals.OpenInput{RequestID: req.ID, ActorID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalInReview, got.Status)

	again, err := f.service.Open(context.Background(), approvals.OpenInput{RequestID: req.ID, ActorID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
}

func TestMoreInfoRoundTrip(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	req := f.create(t)

	got, err := f.service.Review(ctx, approvals.ReviewInput{
		RequestID: req.ID, ActorID: "u1", Decision: models.DecisionMoreInfoRequired, Reason: "attach quote",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalMoreInfoRequired, got.Status)
	assert.True(t, got.Status.IsOpen())

	_, err = f.service.SupplyInfo(ctx, approvals.SupplyInput{RequestID: req.ID, ActorID: "u1", Comment: "here"})
	assert.True(t, apperr.IsForbidden(err))

	got, err = f.service.SupplyInfo(ctx, approvals.SupplyInput{
		RequestID: req.ID,
		ActorID:   "requester",
		Data:      models.Payload{"quote": models.String("Q-42")},
		Comment:   "quote attached",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalInReview, got.Status)
	assert.Equal(t, models.String("Q-42"), got.Data["quote"])

	_, err = f.service.SupplyInfo(ctx, approvals.SupplyInput{RequestID: req.ID, ActorID: "requester", Comment: "again"})
	assert.True(t, apperr.IsConflict(err))

	got, err = f.service.Review(ctx, approvals.ReviewInput{RequestID: req.ID, ActorID: "u1", Decision: models.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, got.Status)
}

func TestReview_DelegateReassigns(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	req := f.create(t)

	_, err := f.service.Open(ctx, approvals.OpenInput{RequestID: req.ID, ActorID: "u1"})
	require.NoError(t, err)

	got, err := f.service.Review(ctx, approvals.ReviewInput{
		RequestID: req.ID, ActorID: "u1", Decision: models.DecisionDelegated, Reason: "travelling",
		DelegateTo: models.UserAssignment("u2"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalPending, got.Status)
	assert.Equal(t, "u2", got.AssignedTo)

	comments, err := f.service.Comments(ctx, "c1", req.ID, "u2", true)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Comment, "delegated: user:u1 -> user:u2")
}

func TestStepBackedRequest_OpenAndDelegateReachCoordinator(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	stepReq := testutil.CreateTestRequest(func(r *models.ApprovalRequest) {
		r.WorkflowInstanceID = "i1"
		r.StepExecutionID = "s1"
	})
	require.NoError(t, f.store.Approvals().Create(ctx, stepReq))

	adhoc := f.create(t)

	for _, id := range []string{stepReq.ID, adhoc.ID} {
		_, err := f.service.Open(ctx, approvals.OpenInput{RequestID: id, ActorID: "u1"})
		require.NoError(t, err)
	}

	_, err := f.service.Open(ctx, approvals.OpenInput{RequestID: stepReq.ID, ActorID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{stepReq.ID}, f.coordinator.opened, "only the first open of a step-backed request")

	_, err = f.service.Review(ctx, approvals.ReviewInput{
		RequestID: stepReq.ID, ActorID: "u1", Decision: models.DecisionDelegated, Reason: "travelling",
		DelegateTo: models.UserAssignment("u2"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{stepReq.ID}, f.coordinator.reassigned)
}

func TestReview_EscalateAndStepResolution(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	stepReq := testutil.CreateTestRequest(func(r *models.ApprovalRequest) {
		r.WorkflowInstanceID = "i1"
		r.StepExecutionID = "s1"
	})
	require.NoError(t, f.store.Approvals().Create(ctx, stepReq))

	_, err := f.service.Review(ctx, approvals.ReviewInput{RequestID: stepReq.ID, ActorID: "u1", Decision: models.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, []string{stepReq.ID}, f.coordinator.resolved)

	adhoc := f.create(t)

	got, err := f.service.Review(ctx, approvals.ReviewInput{
		RequestID: adhoc.ID, ActorID: "u1", Decision: models.DecisionEscalated, Reason: "above my limit",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalEscalated, got.Status)
	assert.Equal(t, []string{adhoc.ID + ":review"}, f.coordinator.escalated)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	req := f.create(t)

	_, err := f.service.Cancel(ctx, approvals.CancelInput{RequestID: req.ID, ActorID: "u2"})
	assert.True(t, apperr.IsForbidden(err))

	got, err := f.service.Cancel(ctx, approvals.CancelInput{RequestID: req.ID, ActorID: "requester", Reason: "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalCancelled, got.Status)

	_, err = f.service.Cancel(ctx, approvals.CancelInput{RequestID: req.ID, ActorID: "requester"})
	assert.True(t, apperr.IsConflict(err))

	stepReq := testutil.CreateTestRequest(func(r *models.ApprovalRequest) { r.StepExecutionID = "s1" })
	require.NoError(t, f.store.Approvals().Create(ctx, stepReq))

	_, err = f.service.Cancel(ctx, approvals.CancelInput{RequestID: stepReq.ID, ActorID: "requester"})
	assert.True(t, apperr.IsValidation(err))
}

func TestComments(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	req := f.create(t)

	_, err := f.service.Comment(ctx, approvals.CommentInput{RequestID: req.ID, ActorID: "u1", Comment: "   "})
	assert.True(t, apperr.IsValidation(err))

	_, err = f.service.Comment(ctx, approvals.CommentInput{RequestID: req.ID, ActorID: "viewer", Comment: "hi"})
	assert.True(t, apperr.IsForbidden(err))

	_, err = f.service.Comment(ctx, approvals.CommentInput{RequestID: req.ID, ActorID: "u1", Comment: "looks fine"})
	require.NoError(t, err)

	_, err = f.service.Comment(ctx, approvals.CommentInput{RequestID: req.ID, ActorID: "u1", Comment: "check vendor", IsInternal: true})
	require.NoError(t, err)

	public, err := f.service.Comments(ctx, "c1", req.ID, "", false)
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "looks fine", public[0].Comment)

	all, err := f.service.Comments(ctx, "c1", req.ID, "u1", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.service.Comments(ctx, "c2", req.ID, "u1", true)
	assert.True(t, apperr.IsNotFound(err))
}

func TestList(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	first := f.create(t)
	f.create(t, func(in *approvals.CreateInput) { in.Priority = models.PriorityUrgent })

	_, err := f.service.Review(ctx, approvals.ReviewInput{RequestID: first.ID, ActorID: "u1", Decision: models.DecisionApproved})
	require.NoError(t, err)

	_, err = f.service.List(ctx, persistence.ApprovalFilter{})
	assert.True(t, apperr.IsValidation(err))

	res, err := f.service.List(ctx, persistence.ApprovalFilter{CompanyID: "c1", Statuses: []models.ApprovalStatus{models.ApprovalPending}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, models.PriorityUrgent, res.Items[0].Priority)

	res, err = f.service.List(ctx, persistence.ApprovalFilter{CompanyID: "c1", Page: persistence.Page{Limit: 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.True(t, res.HasNextPage)
}
