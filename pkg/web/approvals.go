package web

import (
	"strconv"

	"github.com/absamo/triven-workflow/pkg/approvals"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/reassignment"
	"github.com/gofiber/fiber/v3"
)

func (h *APIHandlers) CreateApproval(c fiber.Ctx) error {
	var req CreateApprovalRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	id := who(c)

	created, err := h.Approvals.Create(c.Context(), approvals.CreateInput{
		CompanyID:    id.companyID,
		ActorID:      id.userID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		RequestType:  req.RequestType,
		Priority:     req.Priority,
		AssignedTo:   req.AssignedTo,
		AssignedRole: req.AssignedRole,
		Title:        req.Title,
		Description:  req.Description,
		Data:         req.Data,
		Conditions:   req.Conditions,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) ListApprovals(c fiber.Ctx) error {
	p, err := page(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	id := who(c)
	filter := persistence.ApprovalFilter{
		CompanyID:    id.companyID,
		Priority:     models.Priority(c.Query("priority")),
		EntityType:   models.EntityType(c.Query("entity_type")),
		EntityID:     c.Query("entity_id"),
		AssignedTo:   c.Query("assigned_to"),
		AssignedRole: c.Query("assigned_role"),
		Page:         p,
	}

	for _, s := range csv(c.Query("status")) {
		filter.Statuses = append(filter.Statuses, models.ApprovalStatus(s))
	}

	if mine := c.Query("mine"); mine != "" {
		ok, err := strconv.ParseBool(mine)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		if ok {
			filter.AssignedTo = id.userID
		}
	}

	result, err := h.Approvals.List(c.Context(), filter)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetApproval(c fiber.Ctx) error {
	req, err := h.Approvals.Get(c.Context(), who(c).companyID, c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(req)
}

func (h *APIHandlers) OpenApproval(c fiber.Ctx) error {
	id := who(c)

	req, err := h.Approvals.Open(c.Context(), approvals.OpenInput{
		RequestID: c.Params("id"),
		CompanyID: id.companyID,
		ActorID:   id.userID,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(req)
}

func (h *APIHandlers) ReviewApproval(c fiber.Ctx) error {
	var body ReviewRequest
	if err := h.bind(c, &body); err != nil {
		return h.fail(c, err)
	}

	id := who(c)
	in := approvals.ReviewInput{
		RequestID: c.Params("id"),
		CompanyID: id.companyID,
		ActorID:   id.userID,
		Decision:  body.Decision,
		Reason:    body.Reason,
		Notes:     body.Notes,
		Version:   body.Version,
	}

	switch {
	case body.DelegateTo != "":
		in.DelegateTo = models.UserAssignment(body.DelegateTo)
	case body.DelegateRole != "":
		in.DelegateTo = models.RoleAssignment(body.DelegateRole)
	}

	req, err := h.Approvals.Review(c.Context(), in)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(req)
}

func (h *APIHandlers) SupplyInfo(c fiber.Ctx) error {
	var body SupplyInfoRequest
	if err := h.bind(c, &body); err != nil {
		return h.fail(c, err)
	}

	id := who(c)

	req, err := h.Approvals.SupplyInfo(c.Context(), approvals.SupplyInput{
		RequestID: c.Params("id"),
		CompanyID: id.companyID,
		ActorID:   id.userID,
		Data:      body.Data,
		Comment:   body.Comment,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(req)
}

func (h *APIHandlers) ReassignApproval(c fiber.Ctx) error {
	var body ReassignRequest
	if err := h.bind(c, &body); err != nil {
		return h.fail(c, err)
	}

	id := who(c)
	to := models.UserAssignment(body.AssignedTo)

	if body.AssignedRole != "" {
		to = models.RoleAssignment(body.AssignedRole)
	}

	req, err := h.Reassigner.Reassign(c.Context(), reassignment.Input{
		RequestID: c.Params("id"),
		CompanyID: id.companyID,
		ActorID:   id.userID,
		To:        to,
		Reason:    body.Reason,
		Version:   body.Version,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(req)
}

func (h *APIHandlers) CancelApproval(c fiber.Ctx) error {
	var body CancelRequest
	if len(c.Body()) > 0 {
		if err := h.bind(c, &body); err != nil {
			return h.fail(c, err)
		}
	}

	id := who(c)

	req, err := h.Approvals.Cancel(c.Context(), approvals.CancelInput{
		RequestID: c.Params("id"),
		CompanyID: id.companyID,
		ActorID:   id.userID,
		Reason:    body.Reason,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(req)
}

func (h *APIHandlers) ListComments(c fiber.Ctx) error {
	includeInternal := false

	if v := c.Query("include_internal"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		includeInternal = parsed
	}

	id := who(c)

	comments, err := h.Approvals.Comments(c.Context(), id.companyID, c.Params("id"), id.userID, includeInternal)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{"comments": comments})
}

func (h *APIHandlers) AddComment(c fiber.Ctx) error {
	var body CommentRequest
	if err := h.bind(c, &body); err != nil {
		return h.fail(c, err)
	}

	id := who(c)

	comment, err := h.Approvals.Comment(c.Context(), approvals.CommentInput{
		RequestID:  c.Params("id"),
		CompanyID:  id.companyID,
		ActorID:    id.userID,
		Comment:    body.Comment,
		IsInternal: body.IsInternal,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(comment)
}
