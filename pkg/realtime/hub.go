// Package realtime fans notification events out to connected users.
//
// A Hub holds the in-process subscriptions of one API process. When the
// scheduler runs in a separate process it publishes through BusPublisher and
// the API bridges those events into its hub.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/absamo/triven-workflow/pkg/metrics"
	"github.com/absamo/triven-workflow/pkg/notify"
)

const DefaultBuffer = 32

// Subscription is one connected client. Events arrive on C until Close.
type Subscription struct {
	C <-chan notify.RealtimeEvent

	hub       *Hub
	userID    string
	companyID string
	ch        chan notify.RealtimeEvent
	once      sync.Once
}

func (s *Subscription) UserID() string { return s.userID }

// Close removes the subscription from its hub and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	metrics *metrics.Collector
	logger  *slog.Logger
}

type Option func(*Hub)

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: DefaultBuffer,
		logger: logger.With("module", "realtime"),
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Subscribe registers a client for userID within companyID.
func (h *Hub) Subscribe(companyID, userID string) *Subscription {
	ch := make(chan notify.RealtimeEvent, h.buffer)
	sub := &Subscription{C: ch, hub: h, userID: userID, companyID: companyID, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}

	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[sub.userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.userID)
		}
	}
	close(sub.ch)
}

// Connected reports the number of live subscriptions for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs[userID])
}

// Publish delivers the event to every subscription of each recipient in the
// same company. A full buffer drops the event for that client only.
func (h *Hub) Publish(_ context.Context, companyID string, recipients []string, event notify.RealtimeEvent) error {
	if event.CompanyID == "" {
		event.CompanyID = companyID
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range recipients {
		for sub := range h.subs[userID] {
			if sub.companyID != companyID {
				continue
			}
			select {
			case sub.ch <- event:
				h.metrics.Notification("realtime", "sent")
			default:
				h.metrics.Notification("realtime", "dropped")
				h.logger.Warn("realtime buffer full, event dropped",
					"user_id", userID,
					"event_type", event.Type)
			}
		}
	}

	return nil
}

var _ notify.Publisher = (*Hub)(nil)
