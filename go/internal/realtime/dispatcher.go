package realtime

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler is invoked with each emitted event of the subscribed type.
type Handler func(event *ServerEvent)

// Dispatcher is a synchronous publish/subscribe registry that decouples the
// transport session from feature consumers. It does no queuing or replay: a
// subscriber added after an event fired will not see it. Consumers needing
// the current value read it from the view store instead.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventType][]*subscription
}

type subscription struct {
	handler Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventType][]*subscription),
	}
}

// On registers a handler for an event type and returns an unsubscribe func.
// Multiple handlers per type are permitted and invoked in subscription order.
func (d *Dispatcher) On(eventType EventType, handler Handler) func() {
	sub := &subscription{handler: handler}

	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], sub)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		subs := d.handlers[eventType]
		for i, s := range subs {
			if s == sub {
				d.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(d.handlers[eventType]) == 0 {
			delete(d.handlers, eventType)
		}
	}
}

// Off removes every handler registered for an event type. Individual handlers
// are removed through the func returned by On.
func (d *Dispatcher) Off(eventType EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, eventType)
}

// Emit invokes all current handlers for the event's type synchronously, in
// subscription order. A panicking handler is recovered and logged so it cannot
// prevent later handlers from running.
func (d *Dispatcher) Emit(event *ServerEvent) {
	d.mu.RLock()
	subs := make([]*subscription, len(d.handlers[event.Type]))
	copy(subs, d.handlers[event.Type])
	d.mu.RUnlock()

	for _, sub := range subs {
		d.invoke(sub, event)
	}
}

func (d *Dispatcher) invoke(sub *subscription, event *ServerEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Str("auction_id", event.AuctionID).
				Msg("event handler panicked")
		}
	}()

	sub.handler(event)
}
