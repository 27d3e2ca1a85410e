package web

import (
	"time"

	"github.com/absamo/triven-workflow/pkg/engine"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/gofiber/fiber/v3"
)

// Trigger delivers one business event and reports the instances it started.
func (h *APIHandlers) Trigger(c fiber.Ctx) error {
	var body TriggerRequest
	if err := h.bind(c, &body); err != nil {
		return h.fail(c, err)
	}

	id := who(c)
	at := time.Now().UTC()

	if body.Timestamp != nil {
		at = body.Timestamp.UTC()
	}

	createdBy := body.CreatedBy
	if createdBy == "" {
		createdBy = id.userID
	}

	started, err := h.Engine.HandleTrigger(c.Context(), engine.Trigger{
		CompanyID:  id.companyID,
		EntityType: body.EntityType,
		EntityID:   body.EntityID,
		Type:       body.Type,
		Snapshot: models.EntitySnapshot{
			Fields:    body.Fields,
			Timestamp: at,
			CreatedBy: createdBy,
		},
		ActorID: id.userID,
	})
	if err != nil {
		return h.fail(c, err)
	}

	if started == nil {
		started = []*models.WorkflowInstance{}
	}

	return c.Status(fiber.StatusAccepted).JSON(TriggerResponse{Started: started})
}

func (h *APIHandlers) ListInstances(c fiber.Ctx) error {
	p, err := page(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	filter := persistence.InstanceFilter{
		CompanyID:  who(c).companyID,
		EntityType: models.EntityType(c.Query("entity_type")),
		EntityID:   c.Query("entity_id"),
		Page:       p,
	}

	for _, s := range csv(c.Query("status")) {
		filter.Statuses = append(filter.Statuses, models.InstanceStatus(s))
	}

	result, err := h.Engine.Instances(c.Context(), filter)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	detail, err := h.Engine.Instance(c.Context(), who(c).companyID, c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(detail)
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	var body CancelRequest
	if len(c.Body()) > 0 {
		if err := h.bind(c, &body); err != nil {
			return h.fail(c, err)
		}
	}

	id := who(c)

	inst, err := h.Engine.Cancel(c.Context(), engine.CancelInput{
		InstanceID: c.Params("id"),
		CompanyID:  id.companyID,
		ActorID:    id.userID,
		Reason:     body.Reason,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(inst)
}
