package eventbus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/absamo/triven-workflow/pkg/channels/gochannel"
	"github.com/absamo/triven-workflow/pkg/eventbus"
	"github.com/absamo/triven-workflow/pkg/events"
	"github.com/absamo/triven-workflow/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, "test.topic", log.Discard())
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_RoundTrip(t *testing.T) {
	bus := newBus(t)
	received := make(chan *events.WorkItem, 1)

	require.NoError(t, bus.Handle(events.WorkItemEvent, func(_ context.Context, event any) error {
		received <- event.(*events.WorkItem)

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	item := events.WorkItem{
		BaseEvent: events.NewBaseEvent(events.WorkItemEvent, "c1"),
		Kind:      events.WorkRequestCheck,
		TargetID:  "req-1",
	}
	require.NoError(t, bus.Publish(ctx, item.TargetID, item))

	select {
	case got := <-received:
		assert.Equal(t, "req-1", got.TargetID)
		assert.Equal(t, events.WorkRequestCheck, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("work item not delivered")
	}
}

func TestWatermillEventBus_NackRedelivers(t *testing.T) {
	bus := newBus(t)

	var attempts atomic.Int32

	done := make(chan struct{})

	require.NoError(t, bus.Handle(events.RealtimePublishedEvent, func(context.Context, any) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}

		close(done)

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))
	require.NoError(t, bus.Publish(ctx, "u1", events.RealtimePublished{
		BaseEvent:  events.NewBaseEvent(events.RealtimePublishedEvent, "c1"),
		Recipients: []string{"u1"},
		EventType:  string(events.ApprovalCreated),
	}))

	select {
	case <-done:
		assert.Equal(t, int32(2), attempts.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("event not redelivered")
	}
}
