package testutil

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/stretchr/testify/require"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Delivered is one notification handed to a Recorder.
type Delivered struct {
	Event      notify.Event
	Recipients []string
}

// Recorder is a notify.Notifier that keeps everything it is given.
type Recorder struct {
	mu        sync.Mutex
	delivered []Delivered
}

func (r *Recorder) Notify(_ context.Context, ev notify.Event, recipients []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.delivered = append(r.delivered, Delivered{Event: ev, Recipients: slices.Clone(recipients)})
}

func (r *Recorder) All() []Delivered {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.delivered)
}

// ByTemplate returns deliveries of key in order.
func (r *Recorder) ByTemplate(key models.TemplateKey) []Delivered {
	var out []Delivered

	for _, d := range r.All() {
		if d.Event.Template == key {
			out = append(out, d)
		}
	}

	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.delivered = nil
	r.mu.Unlock()
}

// SeedUsers saves users into repos.
func SeedUsers(t *testing.T, repos persistence.Repositories, users ...*models.User) {
	t.Helper()

	for _, u := range users {
		require.NoError(t, repos.Users().Save(context.Background(), u))
	}
}
