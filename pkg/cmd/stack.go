// Package cmd wires the engine components for the command-line binaries.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absamo/triven-workflow/pkg/actions/httprequest"
	logaction "github.com/absamo/triven-workflow/pkg/actions/log"
	"github.com/absamo/triven-workflow/pkg/approvals"
	"github.com/absamo/triven-workflow/pkg/assignees"
	"github.com/absamo/triven-workflow/pkg/conditions"
	"github.com/absamo/triven-workflow/pkg/config"
	"github.com/absamo/triven-workflow/pkg/engine"
	"github.com/absamo/triven-workflow/pkg/eventbus"
	"github.com/absamo/triven-workflow/pkg/metrics"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/reassignment"
	"github.com/absamo/triven-workflow/pkg/scheduler"
	"github.com/absamo/triven-workflow/pkg/template"
	"github.com/absamo/triven-workflow/pkg/templates"
)

// StackConfig selects the backing services of a Stack.
type StackConfig struct {
	DatabaseURL string
	RedisURL    string
	Engine      config.Engine
	// Metrics defaults to a collector on the prometheus default registerer.
	Metrics *metrics.Collector
	// Publisher carries realtime events; nil disables them.
	Publisher notify.Publisher
	// WorkBus distributes sweep work items; nil processes them inline.
	WorkBus          eventbus.EventBus
	SchedulerOptions []scheduler.Option
}

// Stack is every engine component bound to one store.
type Stack struct {
	Config     config.Engine
	Store      persistence.Persistence
	Metrics    *metrics.Collector
	Resolver   *assignees.Resolver
	Dispatcher *notify.Dispatcher
	Templates  *templates.Service
	Reassigner *reassignment.Handler
	Approvals  *approvals.Service
	Engine     *engine.Engine
	Scheduler  *scheduler.Scheduler

	workBus      eventbus.EventBus
	notifyStores NotifyStores
	logger       *slog.Logger
}

func NewStack(ctx context.Context, logger *slog.Logger, cfg StackConfig) (*Stack, error) {
	store, err := NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	stores, err := NewNotifyStores(ctx, logger, cfg.RedisURL, cfg.Engine.Notifications.LedgerTTL)
	if err != nil {
		_ = store.Close(ctx)

		return nil, err
	}

	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.New(nil)
	}

	resolver := assignees.NewResolver(
		assignees.NewStoreDirectory(store),
		assignees.NewRoleGrants(store.Users(), cfg.Engine.Permissions),
		cfg.Engine.Escalation.FallbackRole,
		logger,
	)

	dispatcherOpts := []notify.Option{notify.WithMetrics(collector)}
	if cfg.Publisher != nil {
		dispatcherOpts = append(dispatcherOpts, notify.WithPublisher(cfg.Publisher))
	}

	dispatcher := notify.NewDispatcher(
		template.NewLogMailer(template.NewRenderer(), logger),
		notify.NewStorePreferences(store),
		stores.Digests,
		stores.Ledger,
		cfg.Engine.Notifications,
		logger,
		dispatcherOpts...,
	)

	tmpl := templates.NewService(store, logger)
	reassigner := reassignment.NewHandler(store, resolver, dispatcher, logger,
		reassignment.WithMetrics(collector), reassignment.WithAsyncDelivery(true))
	svc := approvals.NewService(store, resolver, reassigner, dispatcher, logger,
		approvals.WithMetrics(collector), approvals.WithAsyncDelivery(true))
	// No entity source here: automatic steps evaluate the trigger-time snapshot
	// the triggering service sends.
	eng := engine.New(store, tmpl, conditions.New(), resolver, svc, dispatcher, logger,
		engine.WithMetrics(collector),
		engine.WithEscalation(cfg.Engine.Escalation),
		engine.WithAsyncDelivery(true),
		engine.WithAction(httprequest.Name, httprequest.New(logger)),
		engine.WithAction(logaction.Name, logaction.New(logger)),
	)

	schedulerOpts := append([]scheduler.Option{
		scheduler.WithConfig(cfg.Engine),
		scheduler.WithMetrics(collector),
		scheduler.WithDigests(dispatcher),
	}, cfg.SchedulerOptions...)

	if cfg.WorkBus != nil {
		schedulerOpts = append(schedulerOpts, scheduler.WithBus(cfg.WorkBus))
	}

	sched := scheduler.New(store, eng, reassigner, resolver, dispatcher, logger, schedulerOpts...)

	return &Stack{
		Config:       cfg.Engine,
		Store:        store,
		Metrics:      collector,
		Resolver:     resolver,
		Dispatcher:   dispatcher,
		Templates:    tmpl,
		Reassigner:   reassigner,
		Approvals:    svc,
		Engine:       eng,
		Scheduler:    sched,
		workBus:      cfg.WorkBus,
		notifyStores: stores,
		logger:       logger,
	}, nil
}

// StartScheduler consumes work items from the bus, when there is one, and
// starts the cron jobs.
func (s *Stack) StartScheduler(ctx context.Context) error {
	if s.workBus != nil {
		if err := s.Scheduler.Consume(ctx); err != nil {
			return fmt.Errorf("failed to consume work items: %w", err)
		}
	}

	return s.Scheduler.Start(ctx)
}

func (s *Stack) Close(ctx context.Context) error {
	return errors.Join(s.notifyStores.Close(), s.Store.Close(ctx))
}

// SeedTemplates loads every YAML file of dir into the template store.
func (s *Stack) SeedTemplates(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}

	list, err := templates.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to load templates from %s: %w", dir, err)
	}

	if err := s.Templates.Seed(ctx, list); err != nil {
		return fmt.Errorf("failed to seed templates: %w", err)
	}

	s.logger.InfoContext(ctx, "workflow templates seeded", "count", len(list), "path", dir)

	return nil
}

// SeedDirectory saves the configured users, their preferences and sites.
func (s *Stack) SeedDirectory(ctx context.Context) error {
	return SeedDirectory(ctx, s.Store, s.Config.Directory)
}
