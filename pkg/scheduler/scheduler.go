// Package scheduler runs the periodic sweep over open approval work. A sweep
// produces one work item per open request and per running instance; a consumer
// turns each item into reminders, escalations, orphan reassignments or
// instance healing. Items are safe to process more than once: reminder tiers
// are check-and-set on the request and every send carries an idempotency key.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/absamo/triven-workflow/pkg/config"
	"github.com/absamo/triven-workflow/pkg/eventbus"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/metrics"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSweepSchedule  = "@every 5m"
	DefaultDigestSchedule = "@every 1m"
)

// Escalator is the part of the engine the scheduler drives.
type Escalator interface {
	EscalateRequest(ctx context.Context, requestID, cause string) (bool, error)
	Reconcile(ctx context.Context, instanceID string) (bool, error)
}

type OrphanChecker interface {
	CheckOrphan(ctx context.Context, requestID string) (bool, error)
}

type RecipientResolver interface {
	Recipients(ctx context.Context, companyID string, a models.Assignment) []string
}

type DigestFlusher interface {
	FlushDue(ctx context.Context, now time.Time) (int, error)
}

type Scheduler struct {
	store      persistence.Persistence
	escalator  Escalator
	orphans    OrphanChecker
	recipients RecipientResolver
	notifier   notify.Notifier
	digests    DigestFlusher
	bus        eventbus.EventBus
	reminders  config.Reminders
	batchSize  int
	sweepSpec  string
	digestSpec string
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
	cron       *cron.Cron
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithBus makes scheduled sweeps publish work items instead of processing them in-process.
func WithBus(bus eventbus.EventBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

func WithDigests(d DigestFlusher) Option {
	return func(s *Scheduler) { s.digests = d }
}

// WithConfig applies reminder offsets and the sweep batch size.
func WithConfig(cfg config.Engine) Option {
	return func(s *Scheduler) {
		s.reminders = cfg.Reminders

		if cfg.Sweep.BatchSize > 0 {
			s.batchSize = cfg.Sweep.BatchSize
		}
	}
}

func WithSchedules(sweep, digest string) Option {
	return func(s *Scheduler) {
		if sweep != "" {
			s.sweepSpec = sweep
		}

		if digest != "" {
			s.digestSpec = digest
		}
	}
}

func New(
	store persistence.Persistence,
	escalator Escalator,
	orphans OrphanChecker,
	recipients RecipientResolver,
	notifier notify.Notifier,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	defaults := config.Default()

	s := &Scheduler{
		store:      store,
		escalator:  escalator,
		orphans:    orphans,
		recipients: recipients,
		notifier:   notifier,
		reminders:  defaults.Reminders,
		batchSize:  defaults.Sweep.BatchSize,
		sweepSpec:  DefaultSweepSchedule,
		digestSpec: DefaultDigestSchedule,
		logger:     logger.With("module", "scheduler"),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ValidateSchedule reports whether spec is a cron expression or descriptor the scheduler accepts.
func ValidateSchedule(spec string) error {
	_, err := cron.ParseStandard(spec)

	return err
}

// Start registers the sweep and digest jobs and starts the cron loop.
// Overlapping runs of the same job are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.runSweep(ctx) }); err != nil {
		return err
	}

	if s.digests != nil {
		if _, err := s.cron.AddFunc(s.digestSpec, func() { s.flushDigests(ctx) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", "sweep", s.sweepSpec, "digest", s.digestSpec, "bus", s.bus != nil)

	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Consume processes work items delivered on the bus.
func (s *Scheduler) Consume(ctx context.Context) error {
	err := s.bus.Handle(events.WorkItemEvent, func(ctx context.Context, event any) error {
		item, ok := event.(*events.WorkItem)
		if !ok {
			return nil
		}

		return s.Process(ctx, *item)
	})
	if err != nil {
		return err
	}

	return s.bus.Subscribe(ctx)
}

// PublishSweep sweeps and publishes every item on the bus.
func (s *Scheduler) PublishSweep(ctx context.Context) (Report, error) {
	return s.Sweep(ctx, s.publish)
}

func (s *Scheduler) runSweep(ctx context.Context) {
	sweep := s.SweepOnce
	if s.bus != nil {
		sweep = s.PublishSweep
	}

	report, err := sweep(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep aborted", "error", err)

		return
	}

	s.logger.InfoContext(ctx, "sweep finished", "items", report.Items, "failed", report.Failed)
}

func (s *Scheduler) publish(ctx context.Context, item events.WorkItem) error {
	return s.bus.Publish(ctx, item.TargetID, item)
}

func (s *Scheduler) flushDigests(ctx context.Context) {
	sent, err := s.digests.FlushDue(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "digest flush failed", "error", err)

		return
	}

	if sent > 0 {
		s.logger.InfoContext(ctx, "digests sent", "count", sent)
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
