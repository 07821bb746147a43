/*
Package events provides an in-memory broker for entity state changes.

Reconcilers publish an Event every time a request, allocation or head node
changes state. The broker fans each event out to every subscriber:

	Publisher ─> event queue (100) ─> broadcast loop ─> subscribers (50 each)

Publish never blocks. When the queue is full the event is dropped and
counted; a subscriber whose buffer is full misses the event. Events are
informational only; the store remains the source of truth.

# Event Types

	request.transition      request state changed
	allocation.transition   allocation state changed
	headnode.transition     head-node nodeset state changed
	headnode.deleted        head-node backend instance was removed

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			log.Logger.Info().Str("entity", ev.Entity).Str("to", ev.To).Msg(ev.Message)
		}
	}()
*/
package events
