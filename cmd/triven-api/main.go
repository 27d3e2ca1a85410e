package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absamo/triven-workflow/pkg/cmd"
	"github.com/absamo/triven-workflow/pkg/eventbus"
	"github.com/absamo/triven-workflow/pkg/log"
	"github.com/absamo/triven-workflow/pkg/metrics"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/realtime"
	"github.com/absamo/triven-workflow/pkg/receivers/kafka"
	"github.com/absamo/triven-workflow/pkg/scheduler"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	flags := append(cmd.CommonFlags(),
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.StringFlag{
			Name:    "templates-path",
			Usage:   "Directory of YAML workflow templates seeded at start",
			Sources: cli.EnvVars("TEMPLATES_PATH"),
		},
		&cli.BoolFlag{
			Name:    "with-scheduler",
			Usage:   "Run the escalation and digest scheduler in this process",
			Sources: cli.EnvVars("WITH_SCHEDULER"),
		},
		&cli.BoolFlag{
			Name:    "kafka-intake",
			Usage:   "Start workflows from entity events on the configured Kafka intake topics",
			Sources: cli.EnvVars("KAFKA_INTAKE"),
		},
	)

	command := &cli.Command{
		Name:                  "triven-api",
		Usage:                 "Serve approvals, workflow templates and realtime events",
		EnableShellCompletion: true,
		Flags:                 append(flags, cmd.ScheduleFlags()...),
		Action:                run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	cfg, err := cmd.Setup(command)
	if err != nil {
		return err
	}

	logger := log.WithModule("triven-api")
	logger.InfoContext(ctx, "Initializing Triven API")

	shutdownTracing := cmd.SetupTracing(ctx, logger, command.Bool("otel-enabled"), "triven-api")
	defer shutdownTracing(context.Background())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	collector := metrics.New(registry)
	hub := realtime.NewHub(logger, realtime.WithMetrics(collector))

	var publisher notify.Publisher = hub

	// Across replicas realtime events travel over the bus; every replica
	// consumes them in its own group so each hub sees all of them.
	if command.String("event-bus") == "kafka" {
		group := "triven-api-" + uuid.NewString()[:8]

		realtimeBus, err := cmd.NewEventBus(cmd.Bus(command, group), cfg.Notifications.RealtimeTopic, logger)
		if err != nil {
			return err
		}

		defer closeBus(ctx, logger, realtimeBus)

		if err := realtime.Bridge(realtimeBus, hub); err != nil {
			return err
		}

		if err := realtimeBus.Subscribe(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to realtime events: %w", err)
		}

		publisher = realtime.NewBusPublisher(realtimeBus)
	}

	stackCfg := cmd.StackConfig{
		DatabaseURL: command.String("database-url"),
		RedisURL:    command.String("redis-url"),
		Engine:      cfg,
		Metrics:     collector,
		Publisher:   publisher,
	}

	withScheduler := command.Bool("with-scheduler")
	if withScheduler {
		sweep, digest, err := cmd.Schedules(command)
		if err != nil {
			return err
		}

		stackCfg.SchedulerOptions = []scheduler.Option{scheduler.WithSchedules(sweep, digest)}
	}

	stack, err := cmd.NewStack(ctx, logger, stackCfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := stack.Close(context.Background()); err != nil {
			logger.ErrorContext(ctx, "Failed to close stack", "error", err)
		}
	}()

	if err := stack.SeedDirectory(ctx); err != nil {
		return err
	}

	if err := stack.SeedTemplates(ctx, command.String("templates-path")); err != nil {
		return err
	}

	if withScheduler {
		if err := stack.StartScheduler(ctx); err != nil {
			return err
		}

		defer stack.Scheduler.Stop()
	}

	if command.Bool("kafka-intake") {
		intake, err := kafka.NewReceiver(kafka.Config{
			Brokers:       command.StringSlice("kafka-brokers"),
			Topics:        cfg.Intake.Topics,
			ConsumerGroup: cfg.Intake.ConsumerGroup,
		}, stack.Engine, logger)
		if err != nil {
			return err
		}

		if err := intake.Start(ctx); err != nil {
			return err
		}

		defer func() {
			if err := intake.Stop(); err != nil {
				logger.ErrorContext(ctx, "Failed to stop kafka intake", "error", err)
			}
		}()
	}

	return NewAPI(logger, stack, hub, registry).Start(ctx, int(command.Int("port")))
}

func closeBus(ctx context.Context, logger *slog.Logger, bus eventbus.EventBus) {
	if err := bus.Close(); err != nil {
		logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}
}
