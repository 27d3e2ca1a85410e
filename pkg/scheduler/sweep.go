package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/engine"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/otelhelper"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// Outcome of processing one work item, also the sweep item metric label.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeReminded  Outcome = "reminded"
	OutcomeEscalated Outcome = "escalated"
	OutcomeOrphaned  Outcome = "orphaned"
	OutcomeHealed    Outcome = "healed"
	OutcomeFailed    Outcome = "failed"
)

// Report summarizes one sweep.
type Report struct {
	Items  int
	Failed int
}

// Sweep pages over open requests and running instances and hands one work
// item per target to emit. A failing item is logged and counted; only a
// failing listing aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context, emit func(context.Context, events.WorkItem) error) (Report, error) {
	const op = "scheduler.Sweep"

	started := time.Now()
	defer func() { s.metrics.SweepDuration(time.Since(started)) }()

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), op)
	defer span.End()

	var report Report

	sweepAt := s.now()

	send := func(kind events.WorkKind, targetID, companyID string) {
		report.Items++

		item := events.WorkItem{
			BaseEvent: events.NewBaseEvent(events.WorkItemEvent, companyID),
			Kind:      kind,
			TargetID:  targetID,
			SweepAt:   sweepAt,
		}

		if err := emit(ctx, item); err != nil {
			report.Failed++

			s.logger.ErrorContext(ctx, "work item failed", "kind", kind, "target_id", targetID, "error", err)
		}
	}

	after := ""

	for {
		page, err := s.store.Approvals().ListOpen(ctx, after, s.batchSize)
		if err != nil {
			otelhelper.SetError(span, err)

			return report, persistence.Translate(op, err)
		}

		for _, req := range page {
			send(events.WorkRequestCheck, req.ID, req.CompanyID)
			after = req.ID
		}

		if len(page) < s.batchSize {
			break
		}
	}

	after = ""

	for {
		page, err := s.store.Instances().ListActive(ctx, after, s.batchSize)
		if err != nil {
			otelhelper.SetError(span, err)

			return report, persistence.Translate(op, err)
		}

		for _, inst := range page {
			send(events.WorkInstanceHeal, inst.ID, inst.CompanyID)
			after = inst.ID
		}

		if len(page) < s.batchSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("triven.sweep.items", report.Items), attribute.Int("triven.sweep.failed", report.Failed))

	return report, nil
}

// SweepOnce sweeps and processes every item in-process.
func (s *Scheduler) SweepOnce(ctx context.Context) (Report, error) {
	return s.Sweep(ctx, s.Process)
}

// Process handles one work item.
func (s *Scheduler) Process(ctx context.Context, item events.WorkItem) error {
	const op = "scheduler.Process"

	ctx, span := otelhelper.StartSpan(ctx, otelhelper.Tracer(), op,
		attribute.String(otelhelper.WorkKindKey, string(item.Kind)),
		attribute.String(otelhelper.RequestIDKey, item.TargetID),
	)
	defer span.End()

	var (
		outcome Outcome
		err     error
	)

	switch item.Kind {
	case events.WorkRequestCheck:
		outcome, err = s.ProcessRequest(ctx, item.TargetID)
	case events.WorkInstanceHeal:
		outcome, err = s.Heal(ctx, item.TargetID)
	default:
		s.logger.WarnContext(ctx, "unknown work item kind", "kind", item.Kind, "target_id", item.TargetID)

		outcome = OutcomeSkipped
	}

	if err != nil {
		outcome = OutcomeFailed
		otelhelper.SetError(span, err)
	}

	s.metrics.SweepItem(string(item.Kind), string(outcome))

	return err
}

// ProcessRequest checks one open request: orphaned assignee first, then
// expiry (escalation), then reminder tiers.
func (s *Scheduler) ProcessRequest(ctx context.Context, requestID string) (Outcome, error) {
	const op = "scheduler.ProcessRequest"

	req, err := s.store.Approvals().ByID(ctx, requestID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return OutcomeSkipped, nil
		}

		return OutcomeFailed, persistence.Translate(op, err)
	}

	if !req.Status.IsOpen() {
		return OutcomeSkipped, nil
	}

	outcome := OutcomeIdle

	moved, err := s.orphans.CheckOrphan(ctx, requestID)
	switch {
	case apperr.IsConflict(err):
		s.logger.DebugContext(ctx, "request changed during orphan check", "request_id", requestID)
	case apperr.IsResolution(err):
		s.logger.WarnContext(ctx, "orphaned request has no fallback assignee", "request_id", requestID, "error", err)
	case err != nil:
		return OutcomeFailed, err
	case moved:
		outcome = OutcomeOrphaned
	}

	now := s.now()

	if req.ExpiresAt != nil && !now.Before(*req.ExpiresAt) {
		cause := engine.CauseExpired
		if !req.IsAdHoc() {
			cause = engine.CauseTimeout
		}

		escalated, err := s.escalator.EscalateRequest(ctx, requestID, cause)
		if err != nil {
			if apperr.IsConflict(err) {
				return outcome, nil
			}

			return OutcomeFailed, err
		}

		if escalated {
			s.logger.InfoContext(ctx, "request escalated", "request_id", requestID, "cause", cause)

			return OutcomeEscalated, nil
		}

		return outcome, nil
	}

	tier, err := s.remind(ctx, requestID, now)
	if err != nil {
		return OutcomeFailed, err
	}

	if tier != "" && outcome == OutcomeIdle {
		outcome = OutcomeReminded
	}

	return outcome, nil
}

// dueTier picks the reminder tier owed at now. Once the urgent offset has
// passed only the urgent tier is owed: a standard reminder that was never sent
// is superseded and recorded as sent along with the urgent one, so a request
// first swept late gets a single reminder.
func (s *Scheduler) dueTier(req *models.ApprovalRequest, now time.Time) models.NotificationTier {
	pending := now.Sub(req.RequestedAt)

	if pending >= s.reminders.UrgentAfter {
		if req.HasNotified(models.TierUrgentReminder) {
			return ""
		}

		return models.TierUrgentReminder
	}

	if pending >= s.reminders.StandardAfter && !req.HasNotified(models.TierStandardReminder) {
		return models.TierStandardReminder
	}

	return ""
}

// remind records the owed tier on the request and sends it after commit. A
// concurrent writer makes the check-and-set fail, and the tier is left to
// the next sweep.
func (s *Scheduler) remind(ctx context.Context, requestID string, now time.Time) (models.NotificationTier, error) {
	const op = "scheduler.remind"

	var (
		fired models.NotificationTier
		req   *models.ApprovalRequest
	)

	err := s.store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		fired = ""

		current, err := repos.Approvals().ByID(ctx, requestID)
		if err != nil {
			return persistence.Translate(op, err)
		}

		if !current.Status.IsOpen() {
			return nil
		}

		tier := s.dueTier(current, now)
		if tier == "" {
			return nil
		}

		if tier == models.TierUrgentReminder && current.MarkNotified(models.TierStandardReminder) {
			s.logger.InfoContext(ctx, "standard reminder superseded by urgent", "request_id", requestID)
		}

		current.MarkNotified(tier)

		if err := repos.Approvals().Update(ctx, current); err != nil {
			return persistence.Translate(op, err)
		}

		fired = tier
		req = current

		return nil
	})
	if err != nil {
		if apperr.IsConflict(err) {
			s.logger.DebugContext(ctx, "reminder skipped, request changed", "request_id", requestID)

			return "", nil
		}

		return "", err
	}

	if fired == "" {
		return "", nil
	}

	key := models.TemplateReminder
	if fired == models.TierUrgentReminder {
		key = models.TemplateUrgentReminder
	}

	hours := int(now.Sub(req.RequestedAt).Hours())

	ev := notify.RequestEvent(req, key, string(events.ApprovalReminder), string(fired), now)
	ev.Subject = fmt.Sprintf("Reminder: %s", req.Title)
	ev.Variables["hours_pending"] = strconv.Itoa(hours)
	ev.Variables["tier"] = string(fired)
	ev.Data["tier"] = string(fired)

	s.notifier.Notify(ctx, ev, s.recipients.Recipients(ctx, req.CompanyID, req.Assignment()))
	s.logger.InfoContext(ctx, "reminder sent", "request_id", req.ID, "tier", fired, "hours_pending", hours)

	return fired, nil
}

// Heal reconciles one running instance.
func (s *Scheduler) Heal(ctx context.Context, instanceID string) (Outcome, error) {
	healed, err := s.escalator.Reconcile(ctx, instanceID)
	switch {
	case apperr.IsConflict(err), apperr.IsNotFound(err):
		return OutcomeSkipped, nil
	case err != nil:
		return OutcomeFailed, err
	case healed:
		return OutcomeHealed, nil
	default:
		return OutcomeIdle, nil
	}
}
