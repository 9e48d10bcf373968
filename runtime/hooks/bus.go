// Package hooks publishes typed runtime lifecycle events to registered
// subscribers. The host, connection pool, and message queue emit events
// through a Bus so shells and operator tooling can observe connections,
// health checks, queue activity, and tool executions without coupling to the
// runtime internals.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes runtime events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register, and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, and
	// iteration stops at the first subscriber error.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber.
		// Iteration stops at the first error returned by any subscriber.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber to the bus and returns a Subscription
		// that can be closed to unregister. Register returns an error if sub
		// is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published runtime events.
	//
	// HandleEvent should return an error only if event processing fails in a
	// way that should surface to the publisher; the Bus stops iterating at
	// the first error, so non-critical failures should be logged and ignored
	// to avoid blocking other subscribers.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close removes
	// the subscriber from the bus; it is idempotent and thread-safe.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs a new in-memory event bus. The returned bus is
// thread-safe and ready for immediate use.
//
// Typical usage:
//
//	bus := hooks.NewBus()
//	sub, _ := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    log.Printf("received: %s", evt.Type())
//	    return nil
//	}))
//	defer sub.Close()
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers the event to every currently registered subscriber. The
// snapshot of subscribers is captured before iteration begins, so
// registrations and unregistrations during Publish do not affect the current
// delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber to the bus and returns a Subscription handle
// that can be closed to unregister.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}

// Emit publishes event on bus when bus is non-nil. Runtime components treat
// the bus as an optional collaborator; Emit keeps their call sites free of
// nil checks. Subscriber errors are discarded because lifecycle events are
// best effort.
func Emit(ctx context.Context, b Bus, event Event) {
	if b == nil {
		return
	}
	_ = b.Publish(ctx, event)
}
