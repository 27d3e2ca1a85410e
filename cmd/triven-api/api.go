// Package main provides the triven-workflow HTTP API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/absamo/triven-workflow/pkg/cmd"
	"github.com/absamo/triven-workflow/pkg/realtime"
	"github.com/absamo/triven-workflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 10 * time.Second

type API struct {
	logger   *slog.Logger
	stack    *cmd.Stack
	hub      *realtime.Hub
	gatherer prometheus.Gatherer
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, stack *cmd.Stack, hub *realtime.Hub, gatherer prometheus.Gatherer) *API {
	return &API{
		logger:   logger,
		stack:    stack,
		hub:      hub,
		gatherer: gatherer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(web.Services{
		Store:      a.stack.Store,
		Approvals:  a.stack.Approvals,
		Reassigner: a.stack.Reassigner,
		Templates:  a.stack.Templates,
		Engine:     a.stack.Engine,
		Resolver:   a.stack.Resolver,
		Hub:        a.hub,
	}, a.validate, a.logger, web.WithGatherer(a.gatherer))

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Triven Workflow API")
	})

	handlers.Mount(app)

	return app
}

// Start serves until ctx is cancelled, then drains open connections.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()
	errs := make(chan error, 1)

	go func() {
		errs <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	a.logger.InfoContext(ctx, "api listening", "port", port)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return nil
}
