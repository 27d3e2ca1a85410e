package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/stretchr/testify/assert"
)

func TestKindPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"validation", apperr.Validation("op", "bad %s", "input"), apperr.IsValidation},
		{"conflict", apperr.Conflict("op", "already reviewed"), apperr.IsConflict},
		{"resolution", apperr.Resolution("op", "nobody"), apperr.IsResolution},
		{"not found", apperr.NotFound("op", "request %s", "r1"), apperr.IsNotFound},
		{"external", apperr.External("op", errors.New("smtp down")), apperr.IsExternal},
		{"forbidden", apperr.Forbidden("op", "user %s", "u1"), apperr.IsForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.True(t, tt.is(tt.err))

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.is(wrapped))
		})
	}
}

func TestKindsDoNotOverlap(t *testing.T) {
	t.Parallel()

	err := apperr.Conflict("approvals.Review", "already reviewed")

	assert.False(t, apperr.IsValidation(err))
	assert.False(t, apperr.IsNotFound(err))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, apperr.Kind(""), apperr.KindOf(errors.New("plain")))
}

func TestWrapKeepsUnderlyingError(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := apperr.Wrap(apperr.KindNotFound, "templates.Get", base)

	assert.ErrorIs(t, err, base)
	assert.True(t, apperr.IsNotFound(err))
	assert.Equal(t, "templates.Get: boom", err.Error())
}
