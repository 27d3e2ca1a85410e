package web

import (
	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, typ, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(typ).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func unauthorized(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusUnauthorized, "unauthorized", detail)
}

// handleServiceError maps error kinds onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case apperr.IsValidation(err):
		return problem(c, fiber.StatusBadRequest, "validation_error", err.Error())

	case apperr.IsForbidden(err):
		return problem(c, fiber.StatusForbidden, "forbidden", err.Error())

	case apperr.IsNotFound(err):
		return problem(c, fiber.StatusNotFound, "not_found", err.Error())

	case apperr.IsConflict(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	case apperr.IsResolution(err):
		return problem(c, fiber.StatusUnprocessableEntity, "resolution_error", err.Error())

	case apperr.IsExternal(err):
		return problem(c, fiber.StatusBadGateway, "external_error", err.Error())

	default:
		// unexpected errors keep their detail out of the response
		p := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error")

		return c.Status(fiber.StatusInternalServerError).JSON(p)
	}
}
