package web

import (
	"encoding/json"
	"strconv"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/templates"
	"github.com/gofiber/fiber/v3"
)

// decodeTemplate checks the raw body against the template schema and decodes it
// for the caller's company.
func (h *APIHandlers) decodeTemplate(c fiber.Ctx) (*models.WorkflowTemplate, error) {
	const op = "web.decodeTemplate"

	id := who(c)

	ok, err := h.Resolver.HasPermission(c.Context(), id.userID, assignees.PermissionTemplates)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, apperr.Forbidden(op, "user %s may not manage templates", id.userID)
	}

	body := c.Body()
	if err := templates.ValidateDocument(body); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}

	var t models.WorkflowTemplate
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, apperr.Validation(op, "Invalid JSON format")
	}

	t.CompanyID = id.companyID

	return &t, nil
}

func (h *APIHandlers) CreateTemplate(c fiber.Ctx) error {
	t, err := h.decodeTemplate(c)
	if err != nil {
		return h.fail(c, err)
	}

	t.CreatedBy = who(c).userID

	created, err := h.Templates.Create(c.Context(), t)
	if err != nil {
		return h.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateTemplate(c fiber.Ctx) error {
	t, err := h.decodeTemplate(c)
	if err != nil {
		return h.fail(c, err)
	}

	t.ID = c.Params("id")

	updated, err := h.Templates.Update(c.Context(), t)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) GetTemplate(c fiber.Ctx) error {
	t, err := h.Templates.Get(c.Context(), who(c).companyID, c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(t)
}

func (h *APIHandlers) ListTemplates(c fiber.Ctx) error {
	filter := persistence.TemplateFilter{
		CompanyID:   who(c).companyID,
		EntityType:  models.EntityType(c.Query("entity_type")),
		TriggerType: models.TriggerType(c.Query("trigger_type")),
	}

	if v := c.Query("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		filter.ActiveOnly = active
	}

	list, err := h.Templates.List(c.Context(), filter)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{"templates": list, "total": len(list)})
}
