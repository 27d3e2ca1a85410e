package realtime

import (
	"context"
	"fmt"

	"github.com/absamo/triven-workflow/pkg/eventbus"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/notify"
)

// BusPublisher forwards realtime events onto the event bus for another
// process to deliver.
type BusPublisher struct {
	bus eventbus.EventPublisher
}

func NewBusPublisher(bus eventbus.EventPublisher) *BusPublisher {
	return &BusPublisher{bus: bus}
}

func (p *BusPublisher) Publish(ctx context.Context, companyID string, recipients []string, event notify.RealtimeEvent) error {
	msg := events.RealtimePublished{
		BaseEvent:  events.NewBaseEvent(events.RealtimePublishedEvent, companyID),
		Recipients: recipients,
		EventType:  event.Type,
		Data:       event.Data,
		OccurredAt: event.OccurredAt,
	}

	return p.bus.Publish(ctx, companyID, msg)
}

var _ notify.Publisher = (*BusPublisher)(nil)

// Bridge registers a handler that republishes bus realtime events into hub.
// The caller starts consumption with Subscribe.
func Bridge(sub eventbus.EventSubscriber, hub *Hub) error {
	return sub.Handle(events.RealtimePublishedEvent, func(ctx context.Context, event any) error {
		msg, ok := event.(*events.RealtimePublished)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}

		return hub.Publish(ctx, msg.CompanyID, msg.Recipients, notify.RealtimeEvent{
			Type:       msg.EventType,
			CompanyID:  msg.CompanyID,
			Data:       msg.Data,
			OccurredAt: msg.OccurredAt,
		})
	})
}
