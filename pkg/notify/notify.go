// Package notify delivers engine notifications according to each recipient's
// preference and publishes the realtime side channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/config"
	"github.com/absamo/triven-workflow/pkg/metrics"
	"github.com/absamo/triven-workflow/pkg/models"
)

// Mailer is the external "send templated message" capability.
type Mailer interface {
	SendTemplated(ctx context.Context, key models.TemplateKey, locale string, variables map[string]string, to string) error
}

// Publisher is the external best-effort realtime capability.
type Publisher interface {
	Publish(ctx context.Context, companyID string, recipients []string, event RealtimeEvent) error
}

// Preferences resolves a user's delivery preference, including the address to send to.
type Preferences interface {
	Preference(ctx context.Context, userID string) (models.Preference, error)
}

// DigestKey identifies one user's buffer for one local calendar day ("2006-01-02").
type DigestKey struct {
	UserID string
	Day    string
}

// DigestBuffer holds events waiting for a daily digest.
type DigestBuffer interface {
	Append(ctx context.Context, key DigestKey, entry models.DigestEntry) error
	// Drain returns and clears the buffer in one step.
	Drain(ctx context.Context, key DigestKey) ([]models.DigestEntry, error)
	Keys(ctx context.Context) ([]DigestKey, error)
}

// Ledger remembers idempotency keys of deliveries already made.
type Ledger interface {
	// Claim records key and reports whether this caller is the first to do so.
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RealtimeEvent is the payload pushed to connected subscribers.
type RealtimeEvent struct {
	Type       string         `json:"type"`
	CompanyID  string         `json:"company_id"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Event is one notification. ID is the idempotency base, e.g. request id plus tier.
type Event struct {
	ID        string
	CompanyID string
	Template  models.TemplateKey
	Subject   string
	Variables map[string]string
	// RealtimeType is published to connected recipients when set.
	RealtimeType string
	Data         map[string]any
	OccurredAt   time.Time
}

// Dispatcher is the single entry point for notifications.
type Dispatcher struct {
	mailer      Mailer
	publisher   Publisher
	preferences Preferences
	digests     DigestBuffer
	ledger      Ledger
	cfg         config.Notifications
	metrics     *metrics.Collector
	logger      *slog.Logger
	sleep       func(time.Duration)
}

type Option func(*Dispatcher)

func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithPublisher enables the realtime side channel.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithSleep replaces the retry backoff sleeper.
func WithSleep(sleep func(time.Duration)) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

func NewDispatcher(
	mailer Mailer,
	preferences Preferences,
	digests DigestBuffer,
	ledger Ledger,
	cfg config.Notifications,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	if cfg.DefaultDigestTime == "" {
		cfg.DefaultDigestTime = "08:00"
	}

	d := &Dispatcher{
		mailer:      mailer,
		preferences: preferences,
		digests:     digests,
		ledger:      ledger,
		cfg:         cfg,
		logger:      logger.With("module", "notify"),
		sleep:       time.Sleep,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Notify delivers ev to every recipient. Failures are logged and counted, never returned:
// notifications must not roll back business state.
func (d *Dispatcher) Notify(ctx context.Context, ev Event, recipients []string) {
	recipients = uniqueRecipients(recipients)
	if len(recipients) == 0 {
		return
	}

	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	if ev.RealtimeType != "" {
		d.Publish(ctx, ev.CompanyID, recipients, RealtimeEvent{
			Type:       ev.RealtimeType,
			CompanyID:  ev.CompanyID,
			Data:       ev.Data,
			OccurredAt: ev.OccurredAt,
		})
	}

	if ev.Template == "" {
		return
	}

	for _, userID := range recipients {
		d.deliver(ctx, ev, userID)
	}
}

// Publish pushes a realtime event. It is not retried.
func (d *Dispatcher) Publish(ctx context.Context, companyID string, recipients []string, event RealtimeEvent) {
	if d.publisher == nil || len(recipients) == 0 {
		return
	}

	if err := d.publisher.Publish(ctx, companyID, recipients, event); err != nil {
		d.metrics.Notification("realtime", "failed")
		d.logger.WarnContext(ctx, "realtime publish failed", "type", event.Type, "error", err)

		return
	}

	d.metrics.Notification("realtime", "sent")
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event, userID string) {
	key := ev.ID + ":" + userID
	logger := d.logger.With("event_id", ev.ID, "template", ev.Template, "user_id", userID)

	claimed, err := d.ledger.Claim(ctx, key)
	if err != nil {
		d.metrics.Notification("email", "failed")
		logger.ErrorContext(ctx, "idempotency ledger unavailable", "error", err)

		return
	}

	if !claimed {
		d.metrics.Notification("email", "duplicate")
		logger.DebugContext(ctx, "notification already delivered")

		return
	}

	pref, err := d.preferences.Preference(ctx, userID)
	if err != nil {
		d.release(ctx, key)
		d.metrics.Notification("email", "failed")
		logger.ErrorContext(ctx, "failed to resolve notification preference", "error", err)

		return
	}

	switch pref.Mode {
	case models.DeliveryDisabled:
		d.metrics.Notification("email", "suppressed")
		logger.InfoContext(ctx, "notification suppressed by preference")

	case models.DeliveryDailyDigest:
		day, err := d.digestDay(ev.OccurredAt, pref)
		if err != nil {
			d.release(ctx, key)
			d.metrics.Notification("email", "failed")
			logger.ErrorContext(ctx, "invalid digest schedule", "error", err)

			return
		}

		err = d.digests.Append(ctx, DigestKey{UserID: userID, Day: day}, models.DigestEntry{
			EventKey:    key,
			TemplateKey: ev.Template,
			Subject:     ev.Subject,
			Variables:   ev.Variables,
			OccurredAt:  ev.OccurredAt,
		})
		if err != nil {
			d.release(ctx, key)
			d.metrics.Notification("email", "failed")
			logger.ErrorContext(ctx, "failed to buffer digest entry", "error", err)

			return
		}

		d.metrics.Notification("email", "buffered")

	default:
		if err := d.send(ctx, ev.Template, pref, ev.Variables); err != nil {
			d.release(ctx, key)
			d.metrics.Notification("email", "failed")
			logger.ErrorContext(ctx, "notification delivery failed", "error", err)

			return
		}

		d.metrics.Notification("email", "sent")
		logger.InfoContext(ctx, "notification sent")
	}
}

func (d *Dispatcher) release(ctx context.Context, key string) {
	if err := d.ledger.Release(ctx, key); err != nil {
		d.logger.WarnContext(ctx, "failed to release idempotency key", "key", key, "error", err)
	}
}

// send retries with linear backoff and reports an external-dependency error when every attempt fails.
func (d *Dispatcher) send(ctx context.Context, key models.TemplateKey, pref models.Preference, vars map[string]string) error {
	if pref.Email == "" {
		return apperr.Validation("notify.send", "user %s has no email address", pref.UserID)
	}

	var err error

	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		err = d.mailer.SendTemplated(ctx, key, pref.Locale, vars, pref.Email)
		if err == nil {
			return nil
		}

		if attempt < d.cfg.RetryAttempts {
			d.sleep(time.Duration(attempt) * d.cfg.RetryBackoff)
		}
	}

	return apperr.External("notify.send", fmt.Errorf("after %d attempts: %w", d.cfg.RetryAttempts, err))
}

// FlushDue sends one digest per buffer whose user-local digest time has passed.
// An empty buffer sends nothing.
func (d *Dispatcher) FlushDue(ctx context.Context, now time.Time) (int, error) {
	keys, err := d.digests.Keys(ctx)
	if err != nil {
		return 0, apperr.External("notify.FlushDue", err)
	}

	sent := 0

	for _, key := range keys {
		pref, err := d.preferences.Preference(ctx, key.UserID)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to resolve digest preference", "user_id", key.UserID, "error", err)

			continue
		}

		due, err := d.dueAt(key.Day, pref)
		if err != nil {
			d.logger.ErrorContext(ctx, "invalid digest schedule", "user_id", key.UserID, "error", err)

			continue
		}

		if now.Before(due) {
			continue
		}

		ok, err := d.flush(ctx, key, pref)
		if err != nil {
			d.metrics.DigestFlush("failed")
			d.logger.ErrorContext(ctx, "digest flush failed", "user_id", key.UserID, "day", key.Day, "error", err)

			continue
		}

		if ok {
			sent++
		}
	}

	return sent, nil
}

func (d *Dispatcher) flush(ctx context.Context, key DigestKey, pref models.Preference) (bool, error) {
	entries, err := d.digests.Drain(ctx, key)
	if err != nil {
		return false, err
	}

	if len(entries) == 0 {
		d.metrics.DigestFlush("empty")

		return false, nil
	}

	slices.SortStableFunc(entries, func(a, b models.DigestEntry) int { return a.OccurredAt.Compare(b.OccurredAt) })

	if err := d.send(ctx, models.TemplateDailyDigest, pref, digestVariables(key, entries)); err != nil {
		// put entries back so the next flush retries them
		for _, e := range entries {
			if appendErr := d.digests.Append(ctx, key, e); appendErr != nil {
				d.logger.ErrorContext(ctx, "lost digest entry", "event_key", e.EventKey, "error", appendErr)
			}
		}

		return false, err
	}

	d.metrics.DigestFlush("sent")
	d.logger.InfoContext(ctx, "digest sent", "user_id", key.UserID, "day", key.Day, "entries", len(entries))

	return true, nil
}

// dueAt is the flush time of the buffer for day.
func (d *Dispatcher) dueAt(day string, pref models.Preference) (time.Time, error) {
	loc := location(pref)

	date, err := time.ParseInLocation(time.DateOnly, day, loc)
	if err != nil {
		return time.Time{}, err
	}

	return d.digestAt(date, pref)
}

// digestDay names the buffer an event joins: the day of the next flush at
// or after occurredAt, so an event past today's digest time waits for
// tomorrow's digest.
func (d *Dispatcher) digestDay(occurredAt time.Time, pref models.Preference) (string, error) {
	local := occurredAt.In(location(pref))

	due, err := d.digestAt(local, pref)
	if err != nil {
		return "", err
	}

	if !local.Before(due) {
		due = due.AddDate(0, 0, 1)
	}

	return due.Format(time.DateOnly), nil
}

// digestAt is the user's digest time on the local date of day.
func (d *Dispatcher) digestAt(day time.Time, pref models.Preference) (time.Time, error) {
	at := pref.DigestTime
	if at == "" {
		at = d.cfg.DefaultDigestTime
	}

	clock, err := time.Parse("15:04", at)
	if err != nil {
		return time.Time{}, fmt.Errorf("digest time %q: %w", at, err)
	}

	loc := location(pref)
	day = day.In(loc)

	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc), nil
}

func digestVariables(key DigestKey, entries []models.DigestEntry) map[string]string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("%s %s", e.OccurredAt.UTC().Format("15:04"), e.Subject)
	}

	return map[string]string{
		"day":   key.Day,
		"count": strconv.Itoa(len(entries)),
		"items": strings.Join(lines, "\n"),
	}
}

func location(pref models.Preference) *time.Location {
	if pref.Location != nil {
		return pref.Location
	}

	return time.UTC
}

func uniqueRecipients(ids []string) []string {
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}

	return out
}
