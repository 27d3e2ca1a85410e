package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/absamo/triven-workflow/pkg/cmd"
	"github.com/absamo/triven-workflow/pkg/eventbus"
	"github.com/absamo/triven-workflow/pkg/log"
	"github.com/absamo/triven-workflow/pkg/metrics"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/realtime"
	"github.com/absamo/triven-workflow/pkg/scheduler"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"
)

const (
	consumerGroup   = "triven-scheduler"
	shutdownTimeout = 10 * time.Second
)

func run(ctx context.Context, command *cli.Command) error {
	cfg, err := cmd.Setup(command)
	if err != nil {
		return err
	}

	sweep, digest, err := cmd.Schedules(command)
	if err != nil {
		return err
	}

	logger := log.WithModule("triven-scheduler")
	logger.InfoContext(ctx, "Initializing Triven scheduler")

	shutdownTracing := cmd.SetupTracing(ctx, logger, command.Bool("otel-enabled"), "triven-scheduler")
	defer shutdownTracing(context.Background())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := cmd.Bus(command, consumerGroup)

	workBus, err := cmd.NewEventBus(bus, cfg.Sweep.Topic, logger)
	if err != nil {
		return err
	}

	defer closeBus(logger, workBus)

	var publisher notify.Publisher

	// Realtime events reach API replicas only over a shared bus.
	if bus.Provider == "kafka" {
		realtimeBus, err := cmd.NewEventBus(bus, cfg.Notifications.RealtimeTopic, logger)
		if err != nil {
			return err
		}

		defer closeBus(logger, realtimeBus)

		publisher = realtime.NewBusPublisher(realtimeBus)
	}

	stack, err := cmd.NewStack(ctx, logger, cmd.StackConfig{
		DatabaseURL:      command.String("database-url"),
		RedisURL:         command.String("redis-url"),
		Engine:           cfg,
		Metrics:          metrics.New(registry),
		Publisher:        publisher,
		WorkBus:          workBus,
		SchedulerOptions: []scheduler.Option{scheduler.WithSchedules(sweep, digest)},
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := stack.Close(context.Background()); err != nil {
			logger.Error("Failed to close stack", "error", err)
		}
	}()

	if err := stack.SeedDirectory(ctx); err != nil {
		return err
	}

	if command.Bool("once") {
		return runOnce(ctx, logger, stack)
	}

	if err := stack.StartScheduler(ctx); err != nil {
		return err
	}

	defer stack.Scheduler.Stop()

	return serve(ctx, logger, stack.Store, registry, int(command.Int("port")))
}

func runOnce(ctx context.Context, logger *slog.Logger, stack *cmd.Stack) error {
	report, err := stack.Scheduler.SweepOnce(ctx)
	if err != nil {
		return err
	}

	flushed, err := stack.Dispatcher.FlushDue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "single run finished", "items", report.Items, "failed", report.Failed, "digests", flushed)

	return nil
}

// serve exposes metrics and store health until ctx is cancelled.
func serve(ctx context.Context, logger *slog.Logger, store persistence.Persistence, gatherer prometheus.Gatherer, port int) error {
	app := fiber.New()
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	app.Get("/health", func(c fiber.Ctx) error {
		if err := store.HealthCheck(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy", "error": err.Error()})
		}

		return c.JSON(fiber.Map{"status": "healthy"})
	})

	errs := make(chan error, 1)

	go func() {
		errs <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	logger.InfoContext(ctx, "metrics listening", "port", port)

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

func closeBus(logger *slog.Logger, bus eventbus.EventBus) {
	if err := bus.Close(); err != nil {
		logger.Error("Failed to close event bus", "error", err)
	}
}
