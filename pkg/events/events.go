package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// EventType names what changed
type EventType string

const (
	EventRequestTransition    EventType = "request.transition"
	EventAllocationTransition EventType = "allocation.transition"
	EventHeadNodeTransition   EventType = "headnode.transition"
	EventHeadNodeDeleted      EventType = "headnode.deleted"
)

const (
	queueSize        = 100
	subscriberBuffer = 50
)

// Event is a state change of one entity
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Entity    string
	From      string
	To        string
	Message   string
	Metadata  map[string]string
}

// Transition builds the event for entity moving from one state to another
func Transition(t EventType, entity, from, to, reason string) *Event {
	return &Event{Type: t, Entity: entity, From: from, To: to, Message: reason}
}

// Publisher is what reconcilers need from a broker
type Publisher interface {
	Publish(event *Event)
}

// Subscriber receives events until it is unsubscribed or the broker stops
type Subscriber chan *Event

// Broker fans published events out to subscribers. Delivery is best
// effort: a full queue or a slow subscriber loses events, never the
// publisher's time.
type Broker struct {
	queue chan *Event
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu   sync.RWMutex
	subs map[Subscriber]struct{}

	dropped atomic.Int64
}

// NewBroker returns a broker that does not dispatch until Start
func NewBroker() *Broker {
	return &Broker{
		queue: make(chan *Event, queueSize),
		done:  make(chan struct{}),
		subs:  make(map[Subscriber]struct{}),
	}
}

// Start runs the dispatch loop
func (b *Broker) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-b.queue:
				b.dispatch(ev)
			case <-b.done:
				return
			}
		}
	}()
}

// Stop ends the dispatch loop and closes every remaining subscription.
// Events still queued are discarded.
func (b *Broker) Stop() {
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		for sub := range b.subs {
			close(sub)
		}
		b.subs = make(map[Subscriber]struct{})
		b.mu.Unlock()
	})
}

// Subscribe registers a new buffered subscription
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe closes sub. Unknown or already closed subscriptions are
// ignored.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// SubscriberCount returns the number of open subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish stamps the event and queues it without blocking
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.queue <- event:
	default:
		b.dropped.Inc()
	}
}

// Dropped counts events the queue had no room for
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broker) dispatch(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}
