package web

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleServiceError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"validation", apperr.Validation("op", "bad"), http.StatusBadRequest},
		{"forbidden", apperr.Forbidden("op", "no"), http.StatusForbidden},
		{"not found", apperr.NotFound("op", "gone"), http.StatusNotFound},
		{"conflict", apperr.Conflict("op", "stale"), http.StatusConflict},
		{"resolution", apperr.Resolution("op", "nobody"), http.StatusUnprocessableEntity},
		{"external", apperr.External("op", errors.New("smtp down")), http.StatusBadGateway},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := fiber.New()
			app.Get("/", func(c fiber.Ctx) error { return handleServiceError(c, tt.err) })

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
		})
	}
}

func TestCSV(t *testing.T) {
	t.Parallel()

	assert.Nil(t, csv(""))
	assert.Equal(t, []string{"pending", "in_review"}, csv("pending, in_review,,"))
}
