package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestEntityError_Unwraps(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("review: %w", persistence.NewEntityError("update", "approval_request", "r1", persistence.ErrVersionConflict))

	assert.True(t, persistence.IsVersionConflict(err))
	assert.False(t, persistence.IsNotFound(err))
	assert.Equal(t, "review: update approval_request r1: version conflict", err.Error())
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	for _, err := range []error{
		persistence.ErrTemplateNotFound, persistence.ErrInstanceNotFound, persistence.ErrStepNotFound,
		persistence.ErrApprovalNotFound, persistence.ErrUserNotFound, persistence.ErrSiteNotFound,
		persistence.ErrPreferenceNotFound,
	} {
		assert.True(t, persistence.IsNotFound(fmt.Errorf("wrapped: %w", err)), err.Error())
	}

	assert.False(t, persistence.IsNotFound(errors.New("boom")))
}

func TestPage_Normalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, persistence.Page{Offset: 0, Limit: persistence.DefaultPageLimit}, persistence.Page{Offset: -3}.Normalize())
	assert.Equal(t, persistence.MaxPageLimit, persistence.Page{Limit: 10_000}.Normalize().Limit)
	assert.Equal(t, persistence.Page{Offset: 20, Limit: 10}, persistence.Page{Offset: 20, Limit: 10}.Normalize())
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, persistence.Translate("op", nil))
	assert.True(t, apperr.IsNotFound(persistence.Translate("op", persistence.ErrApprovalNotFound)))
	assert.True(t, apperr.IsConflict(persistence.Translate("op", persistence.NewEntityError("update", "x", "1", persistence.ErrVersionConflict))))
	assert.True(t, apperr.IsConflict(persistence.Translate("op", persistence.ErrAlreadyExists)))

	original := apperr.Validation("inner", "bad")
	assert.Same(t, original, persistence.Translate("op", original))

	plain := persistence.Translate("op", errors.New("connection reset"))
	assert.Equal(t, apperr.Kind(""), apperr.KindOf(plain))
	assert.EqualError(t, plain, "op: connection reset")
}
