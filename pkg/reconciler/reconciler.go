package reconciler

import (
	"time"

	"github.com/vc3-project/vc3-master/pkg/events"
	"github.com/vc3-project/vc3-master/pkg/storage"
)

// Option configures a reconciler
type Option func(*base)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithPublisher sends transition events to p
func WithPublisher(p events.Publisher) Option {
	return func(b *base) {
		if p != nil {
			b.events = p
		}
	}
}

// base is shared by every reconciler
type base struct {
	store  storage.Store
	events events.Publisher
	now    func() time.Time
}

func newBase(store storage.Store, opts []Option) base {
	b := base{store: store, events: discard{}, now: time.Now}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) publish(t events.EventType, entity, from, to, reason string) {
	b.events.Publish(events.Transition(t, entity, from, to, reason))
}

type discard struct{}

func (discard) Publish(*events.Event) {}
