// Package web provides the HTTP API for approvals, templates, instances and realtime events.
package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/approvals"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/engine"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/realtime"
	"github.com/absamo/triven-workflow/pkg/reassignment"
	"github.com/absamo/triven-workflow/pkg/templates"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderCompanyID = "X-Company-ID"
)

const DefaultKeepAlive = 25 * time.Second

// Services are the operations the API exposes.
type Services struct {
	Store      persistence.Persistence
	Approvals  *approvals.Service
	Reassigner *reassignment.Handler
	Templates  *templates.Service
	Engine     *engine.Engine
	Resolver   *assignees.Resolver
	Hub        *realtime.Hub
}

type APIHandlers struct {
	Services

	validator *validator.Validate
	gatherer  prometheus.Gatherer
	keepAlive time.Duration
	logger    *slog.Logger
}

type Option func(*APIHandlers)

func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *APIHandlers) { h.gatherer = g }
}

func WithKeepAlive(d time.Duration) Option {
	return func(h *APIHandlers) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

func NewAPIHandlers(services Services, validator *validator.Validate, logger *slog.Logger, opts ...Option) *APIHandlers {
	h := &APIHandlers{
		Services:  services,
		validator: validator,
		gatherer:  prometheus.DefaultGatherer,
		keepAlive: DefaultKeepAlive,
		logger:    logger.With("module", "web"),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Mount registers every route on r.
func (h *APIHandlers) Mount(r fiber.Router) {
	r.Get("/health", h.HealthCheck)
	r.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	a := r.Group("/approvals", h.RequireIdentity)
	a.Post("/", h.CreateApproval)
	a.Get("/", h.ListApprovals)
	a.Get("/:id", h.GetApproval)
	a.Post("/:id/open", h.OpenApproval)
	a.Post("/:id/review", h.ReviewApproval)
	a.Post("/:id/info", h.SupplyInfo)
	a.Post("/:id/reassign", h.ReassignApproval)
	a.Post("/:id/cancel", h.CancelApproval)
	a.Get("/:id/comments", h.ListComments)
	a.Post("/:id/comments", h.AddComment)

	t := r.Group("/templates", h.RequireIdentity)
	t.Post("/", h.CreateTemplate)
	t.Get("/", h.ListTemplates)
	t.Get("/:id", h.GetTemplate)
	t.Put("/:id", h.UpdateTemplate)

	r.Post("/triggers", h.RequireIdentity, h.Trigger)

	i := r.Group("/instances", h.RequireIdentity)
	i.Get("/", h.ListInstances)
	i.Get("/:id", h.GetInstance)
	i.Post("/:id/cancel", h.CancelInstance)

	r.Get("/events/stream", h.RequireIdentity, h.StreamEvents)
}

type identityKey struct{}

type identity struct {
	userID    string
	companyID string
}

// RequireIdentity reads the acting user and company. Query parameters are
// accepted for clients such as EventSource that cannot set headers.
func (h *APIHandlers) RequireIdentity(c fiber.Ctx) error {
	id := identity{
		userID:    firstNonEmpty(c.Get(HeaderUserID), c.Query("user_id")),
		companyID: firstNonEmpty(c.Get(HeaderCompanyID), c.Query("company_id")),
	}

	if id.userID == "" || id.companyID == "" {
		return unauthorized(c, HeaderUserID+" and "+HeaderCompanyID+" are required")
	}

	c.Locals(identityKey{}, id)

	return c.Next()
}

func who(c fiber.Ctx) identity {
	id, _ := c.Locals(identityKey{}).(identity)

	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// fail logs errors that carry no kind before mapping them to a problem.
func (h *APIHandlers) fail(c fiber.Ctx, err error) error {
	if apperr.KindOf(err) == "" {
		h.logger.ErrorContext(c.Context(), "request failed",
			"method", c.Method(),
			"path", c.Path(),
			"error", err)
	}

	return handleServiceError(c, err)
}

// bind decodes and validates a JSON body.
func (h *APIHandlers) bind(c fiber.Ctx, out any) error {
	if err := c.Bind().JSON(out); err != nil {
		return apperr.Validation("web.bind", "Invalid JSON format")
	}

	if err := h.validator.Struct(out); err != nil {
		return apperr.Wrap(apperr.KindValidation, "web.bind", err)
	}

	return nil
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	store := "ok"

	if err := h.Store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		store = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"store": store,
		},
		"timestamp": time.Now().UTC(),
	})
}

// page parses limit and offset.
func page(c fiber.Ctx) (persistence.Page, error) {
	var p persistence.Page

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return p, err
		}

		p.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return p, err
		}

		p.Offset = offset
	}

	return p, nil
}

// csv splits a comma separated query value.
func csv(value string) []string {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	out := parts[:0]

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
