package notify

import "context"

// Notifier is what services depend on to emit notifications.
type Notifier interface {
	Notify(ctx context.Context, ev Event, recipients []string)
}

type envelope struct {
	event      Event
	recipients []string
}

// Outbox collects notifications inside a transaction so they go out only after commit.
type Outbox struct {
	pending []envelope
}

func (o *Outbox) Add(ev Event, recipients ...string) {
	o.pending = append(o.pending, envelope{event: ev, recipients: recipients})
}

func (o *Outbox) Len() int {
	return len(o.pending)
}

// Reset drops everything collected, used when a transaction is retried or rolled back.
func (o *Outbox) Reset() {
	o.pending = nil
}

// Deliver hands every collected notification to n in order. With async set it
// returns immediately and delivers on a goroutine detached from ctx cancellation.
func (o *Outbox) Deliver(ctx context.Context, n Notifier, async bool) {
	pending := o.pending
	o.pending = nil

	if n == nil || len(pending) == 0 {
		return
	}

	run := func(ctx context.Context) {
		for _, e := range pending {
			n.Notify(ctx, e.event, e.recipients)
		}
	}

	if async {
		go run(context.WithoutCancel(ctx))

		return
	}

	run(ctx)
}
