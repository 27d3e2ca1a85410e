// Package metrics exposes the engine's prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups the engine instruments. A nil *Collector records nothing.
type Collector struct {
	instances     *prometheus.CounterVec
	reviews       *prometheus.CounterVec
	notifications *prometheus.CounterVec
	sweepItems    *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	orphans       prometheus.Counter
	digests       *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

func New(registry prometheus.Registerer) *Collector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Collector{
		instances: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triven_workflow_instances_total",
			Help: "Workflow instances by terminal or start status",
		}, []string{"status"}),
		reviews: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triven_approval_reviews_total",
			Help: "Approval review decisions",
		}, []string{"decision"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triven_notifications_total",
			Help: "Notifications by channel and outcome",
		}, []string{"channel", "outcome"}),
		sweepItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triven_scheduler_items_total",
			Help: "Scheduler work items by kind and outcome",
		}, []string{"kind", "outcome"}),
		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triven_escalations_total",
			Help: "Approval escalations by cause",
		}, []string{"cause"}),
		orphans: factory.NewCounter(prometheus.CounterOpts{
			Name: "triven_orphan_reassignments_total",
			Help: "Requests reassigned because their assignee became ineligible",
		}),
		digests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triven_digest_flushes_total",
			Help: "Daily digest flushes by outcome",
		}, []string{"outcome"}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "triven_scheduler_sweep_duration_seconds",
			Help:    "Duration of one scheduler sweep",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (c *Collector) InstanceStatus(status string) {
	if c != nil {
		c.instances.WithLabelValues(status).Inc()
	}
}

func (c *Collector) Review(decision string) {
	if c != nil {
		c.reviews.WithLabelValues(decision).Inc()
	}
}

// Notification records one delivery attempt outcome: sent, buffered, suppressed, duplicate or failed.
func (c *Collector) Notification(channel, outcome string) {
	if c != nil {
		c.notifications.WithLabelValues(channel, outcome).Inc()
	}
}

func (c *Collector) SweepItem(kind, outcome string) {
	if c != nil {
		c.sweepItems.WithLabelValues(kind, outcome).Inc()
	}
}

func (c *Collector) Escalation(cause string) {
	if c != nil {
		c.escalations.WithLabelValues(cause).Inc()
	}
}

func (c *Collector) OrphanReassigned() {
	if c != nil {
		c.orphans.Inc()
	}
}

func (c *Collector) DigestFlush(outcome string) {
	if c != nil {
		c.digests.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) SweepDuration(d time.Duration) {
	if c != nil {
		c.sweepDuration.Observe(d.Seconds())
	}
}
