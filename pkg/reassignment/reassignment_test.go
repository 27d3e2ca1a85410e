package reassignment_test

import (
	"context"
	"sync"
	"testing"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/config"
	"github.com/absamo/triven-workflow/pkg/log"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence/memory"
	"github.com/absamo/triven-workflow/pkg/reassignment"
	"github.com/absamo/triven-workflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *memory.Store
	handler  *reassignment.Handler
	recorder *testutil.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	testutil.SeedUsers(t, store,
		testutil.User("requester", "Member"),
		testutil.User("u1", "Approver"),
		testutil.User("u2", "Approver"),
		testutil.User("admin", "Admin"),
		testutil.User("outsider", "Member"),
	)

	resolver := assignees.NewResolver(
		assignees.NewStoreDirectory(store),
		assignees.NewRoleGrants(store.Users(), config.Default().Permissions),
		"Admin",
		log.Discard(),
	)

	recorder := &testutil.Recorder{}
	clock := testutil.NewClock(testutil.Epoch)

	return &fixture{
		store:    store,
		handler:  reassignment.NewHandler(store, resolver, recorder, log.Discard(), reassignment.WithClock(clock.Now)),
		recorder: recorder,
	}
}

func (f *fixture) request(t *testing.T, overrides ...func(*models.ApprovalRequest)) *models.ApprovalRequest {
	t.Helper()

	req := testutil.CreateTestRequest(overrides...)
	require.NoError(t, f.store.Approvals().Create(context.Background(), req))

	return req
}

func TestReassign_FlipsAssignmentWithAudit(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	req := f.request(t)

	got, err := f.handler.Reassign(ctx, reassignment.Input{
		RequestID: req.ID,
		CompanyID: "c1",
		ActorID:   "u1",
		To:        models.RoleAssignment("Approver"),
		Reason:    "on leave",
	})
	require.NoError(t, err)

	assert.Empty(t, got.AssignedTo)
	assert.Equal(t, "Approver", got.AssignedRole)
	assert.Equal(t, models.ApprovalPending, got.Status)
	assert.True(t, got.RequestedAt.Equal(req.RequestedAt))

	comments, err := f.store.Comments().ByRequest(ctx, req.ID, true)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.True(t, comments[0].IsInternal)
	assert.Equal(t, "reassigned: user:u1 -> role:Approver: on leave", comments[0].Comment)

	public, err := f.store.Comments().ByRequest(ctx, req.ID, false)
	require.NoError(t, err)
	assert.Empty(t, public)

	sent := f.recorder.ByTemplate(models.TemplateReassigned)
	require.Len(t, sent, 1)
	assert.ElementsMatch(t, []string{"requester", "u2"}, uniq(sent[0].Recipients))
	assert.NotContains(t, sent[0].Recipients, "u1")
}

func TestReassign_Rejections(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	inReview := f.request(t, func(r *models.ApprovalRequest) { r.Status = models.ApprovalInReview })
	pending := f.request(t)

	tests := []struct {
		name  string
		input reassignment.Input
		check func(error) bool
	}{
		{
			name:  "both targets",
			input: reassignment.Input{RequestID: pending.ID, ActorID: "u1", To: models.Assignment{UserID: "u2", RoleID: "Admin"}, Reason: "x"},
			check: apperr.IsValidation,
		},
		{
			name:  "neither target",
			input: reassignment.Input{RequestID: pending.ID, ActorID: "u1", Reason: "x"},
			check: apperr.IsValidation,
		},
		{
			name:  "missing reason",
			input: reassignment.Input{RequestID: pending.ID, ActorID: "u1", To: models.UserAssignment("u2")},
			check: apperr.IsValidation,
		},
		{
			name:  "not pending",
			input: reassignment.Input{RequestID: inReview.ID, ActorID: "u1", To: models.UserAssignment("u2"), Reason: "x"},
			check: apperr.IsConflict,
		},
		{
			name:  "same target",
			input: reassignment.Input{RequestID: pending.ID, ActorID: "u1", To: models.UserAssignment("u1"), Reason: "x"},
			check: apperr.IsConflict,
		},
		{
			name:  "stale version",
			input: reassignment.Input{RequestID: pending.ID, ActorID: "u1", To: models.UserAssignment("u2"), Reason: "x", Version: 99},
			check: apperr.IsConflict,
		},
		{
			name:  "outsider",
			input: reassignment.Input{RequestID: pending.ID, ActorID: "outsider", To: models.UserAssignment("u2"), Reason: "x"},
			check: apperr.IsForbidden,
		},
		{
			name:  "other company",
			input: reassignment.Input{RequestID: pending.ID, CompanyID: "c2", ActorID: "u1", To: models.UserAssignment("u2"), Reason: "x"},
			check: apperr.IsNotFound,
		},
		{
			name:  "unknown request",
			input: reassignment.Input{RequestID: "missing", ActorID: "u1", To: models.UserAssignment("u2"), Reason: "x"},
			check: apperr.IsNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.handler.Reassign(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	stored, err := f.store.Approvals().ByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", stored.AssignedTo)
	assert.Empty(t, f.recorder.All())
}

func TestReassign_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	f := setup(t)
	req := f.request(t)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   []error
		starts = make(chan struct{})
	)

	for _, target := range []string{"u2", "admin"} {
		wg.Add(1)

		go func(target string) {
			defer wg.Done()
			<-starts

			_, err := f.handler.Reassign(context.Background(), reassignment.Input{
				RequestID: req.ID, ActorID: "requester", To: models.UserAssignment(target), Reason: "swap", Version: req.Version,
			})

			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(target)
	}

	close(starts)
	wg.Wait()

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
}

func TestCheckOrphan_DeactivatedAssigneeGoesToRoleGroup(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	req := f.request(t, func(r *models.ApprovalRequest) { r.Status = models.ApprovalInReview })

	u1, err := f.store.Users().ByID(ctx, "u1")
	require.NoError(t, err)
	u1.Active = false
	require.NoError(t, f.store.Users().Save(ctx, u1))

	changed, err := f.handler.CheckOrphan(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := f.store.Approvals().ByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, stored.Status)
	assert.Equal(t, "Approver", stored.AssignedRole)
	assert.Empty(t, stored.AssignedTo)

	sent := f.recorder.ByTemplate(models.TemplateOrphaned)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Recipients, "u2")
	assert.NotContains(t, sent[0].Recipients, "u1")

	changed, err = f.handler.CheckOrphan(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCheckOrphan_FallsBackToAdmin(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	req := f.request(t, func(r *models.ApprovalRequest) { r.AssignedTo = "ghost" })

	changed, err := f.handler.CheckOrphan(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, changed)

	stored, err := f.store.Approvals().ByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "Admin", stored.AssignedRole)
	assert.Equal(t, models.ApprovalPending, stored.Status)
}

func TestDetect_LostPermission(t *testing.T) {
	t.Parallel()

	f := setup(t)
	req := testutil.CreateTestRequest(func(r *models.ApprovalRequest) { r.AssignedTo = "outsider" })

	orphan, err := f.handler.Detect(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, orphan)
	assert.Contains(t, orphan.Reason, "review permission")

	req.AssignedTo = "u1"
	orphan, err = f.handler.Detect(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, orphan)
}

func uniq(ids []string) []string {
	seen := map[string]bool{}

	var out []string

	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	return out
}
