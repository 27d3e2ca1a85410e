package cmd

import (
	"fmt"

	"github.com/absamo/triven-workflow/pkg/config"
	"github.com/absamo/triven-workflow/pkg/log"
	"github.com/absamo/triven-workflow/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

// CommonFlags are shared by the API and the scheduler.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (memory:// or postgres://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the digest buffer and delivery ledger; in-memory when empty",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers when --event-bus=kafka",
			Value:   []string{"localhost:9092"},
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to the YAML engine configuration",
			Sources: cli.EnvVars("CONFIG_PATH"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}

// ScheduleFlags configure the cron cadence of the sweep and the digest flush.
func ScheduleFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "sweep-schedule",
			Usage:   "Cron spec of the escalation and reminder sweep",
			Value:   scheduler.DefaultSweepSchedule,
			Sources: cli.EnvVars("SWEEP_SCHEDULE"),
		},
		&cli.StringFlag{
			Name:    "digest-schedule",
			Usage:   "Cron spec of the daily digest flush check",
			Value:   scheduler.DefaultDigestSchedule,
			Sources: cli.EnvVars("DIGEST_SCHEDULE"),
		},
	}
}

// Schedules returns the validated sweep and digest cron specs.
func Schedules(command *cli.Command) (string, string, error) {
	sweep, digest := command.String("sweep-schedule"), command.String("digest-schedule")

	if err := scheduler.ValidateSchedule(sweep); err != nil {
		return "", "", fmt.Errorf("invalid --sweep-schedule %q: %w", sweep, err)
	}

	if err := scheduler.ValidateSchedule(digest); err != nil {
		return "", "", fmt.Errorf("invalid --digest-schedule %q: %w", digest, err)
	}

	return sweep, digest, nil
}

// Setup configures logging and loads the engine configuration named by --config.
func Setup(command *cli.Command) (config.Engine, error) {
	log.Setup(command.String("log-level"), command.String("log-format"))

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return config.Engine{}, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Bus reads the transport flags. consumerGroup names the replicas that share work.
func Bus(command *cli.Command, consumerGroup string) BusConfig {
	return BusConfig{
		Provider:      command.String("event-bus"),
		Brokers:       command.StringSlice("kafka-brokers"),
		ConsumerGroup: consumerGroup,
	}
}
