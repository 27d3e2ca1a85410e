// Package config loads the engine configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine is the tunable policy of the approval engine.
type Engine struct {
	Reminders     Reminders           `yaml:"reminders"`
	Escalation    Escalation          `yaml:"escalation"`
	Sweep         Sweep               `yaml:"sweep"`
	Notifications Notifications       `yaml:"notifications"`
	Intake        Intake              `yaml:"intake"`
	Permissions   map[string][]string `yaml:"permissions"`
	Directory     Directory           `yaml:"directory"`
}

type Reminders struct {
	StandardAfter time.Duration `yaml:"standard_after"`
	UrgentAfter   time.Duration `yaml:"urgent_after"`
}

type Escalation struct {
	// DefaultTarget applies to steps that do not set escalation_target.
	DefaultTarget string `yaml:"default_target"`
	FallbackRole  string `yaml:"fallback_role"`
	// MaxDepth bounds escalations per step before the instance is marked escalated.
	MaxDepth int `yaml:"max_depth"`
}

type Sweep struct {
	BatchSize int    `yaml:"batch_size"`
	Topic     string `yaml:"topic"`
}

// Intake names the Kafka topics carrying business events that start workflows.
type Intake struct {
	Topics        []string `yaml:"topics"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

type Notifications struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	// DefaultDigestTime is "HH:MM", used when a user has no digest time.
	DefaultDigestTime string `yaml:"default_digest_time"`
	RealtimeTopic     string `yaml:"realtime_topic"`
	// LedgerTTL is how long idempotency keys are remembered.
	LedgerTTL time.Duration `yaml:"ledger_ttl"`
}

// Directory seeds users and sites into the store at startup.
type Directory struct {
	Users []User `yaml:"users"`
	Sites []Site `yaml:"sites"`
}

type User struct {
	ID        string   `yaml:"id"`
	CompanyID string   `yaml:"company_id"`
	Name      string   `yaml:"name"`
	Email     string   `yaml:"email"`
	ManagerID string   `yaml:"manager_id"`
	SiteID    string   `yaml:"site_id"`
	Roles     []string `yaml:"roles"`
	Active    *bool    `yaml:"active"`
	Locale    string   `yaml:"locale"`
	// DeliveryMode and DigestTime seed the user's notification preference.
	DeliveryMode string `yaml:"delivery_mode"`
	DigestTime   string `yaml:"digest_time"`
	TimeZone     string `yaml:"time_zone"`
}

type Site struct {
	ID         string `yaml:"id"`
	CompanyID  string `yaml:"company_id"`
	Name       string `yaml:"name"`
	HeadUserID string `yaml:"head_user_id"`
}

// Default returns the built-in policy.
func Default() Engine {
	return Engine{
		Reminders: Reminders{
			StandardAfter: 24 * time.Hour,
			UrgentAfter:   48 * time.Hour,
		},
		Escalation: Escalation{
			DefaultTarget: "manager",
			FallbackRole:  "Admin",
			MaxDepth:      3,
		},
		Sweep: Sweep{
			BatchSize: 500,
			Topic:     "triven.scheduler.work",
		},
		Notifications: Notifications{
			RetryAttempts:     3,
			RetryBackoff:      200 * time.Millisecond,
			DefaultDigestTime: "08:00",
			RealtimeTopic:     "triven.realtime",
			LedgerTTL:         30 * 24 * time.Hour,
		},
		Intake: Intake{
			Topics:        []string{"triven.entity.events"},
			ConsumerGroup: "triven-intake",
		},
		Permissions: map[string][]string{
			"Admin":    {"*"},
			"Manager":  {"approvals.review", "approvals.create"},
			"Approver": {"approvals.review"},
			"Member":   {"approvals.create"},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Engine, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Engine{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Engine{}, err
	}

	return cfg, nil
}

func (e Engine) Validate() error {
	var errs []error

	if e.Reminders.StandardAfter <= 0 || e.Reminders.UrgentAfter <= e.Reminders.StandardAfter {
		errs = append(errs, errors.New("reminders: urgent_after must exceed a positive standard_after"))
	}

	switch e.Escalation.DefaultTarget {
	case "manager", "role", "none":
	default:
		errs = append(errs, fmt.Errorf("escalation: unknown default_target %q", e.Escalation.DefaultTarget))
	}

	if e.Escalation.FallbackRole == "" {
		errs = append(errs, errors.New("escalation: fallback_role is required"))
	}

	if e.Escalation.MaxDepth < 1 {
		errs = append(errs, errors.New("escalation: max_depth must be at least 1"))
	}

	if e.Sweep.BatchSize < 1 {
		errs = append(errs, errors.New("sweep: batch_size must be at least 1"))
	}

	if e.Notifications.RetryAttempts < 1 {
		errs = append(errs, errors.New("notifications: retry_attempts must be at least 1"))
	}

	if _, err := time.Parse("15:04", e.Notifications.DefaultDigestTime); err != nil {
		errs = append(errs, fmt.Errorf("notifications: default_digest_time: %w", err))
	}

	if len(e.Intake.Topics) == 0 || e.Intake.ConsumerGroup == "" {
		errs = append(errs, errors.New("intake: topics and consumer_group are required"))
	}

	return errors.Join(errs...)
}
