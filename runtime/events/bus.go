package events

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes lifecycle events to registered subscribers in a fan-out
	// pattern. It is safe for concurrent Publish and Register.
	//
	// Delivery is synchronous in the publisher's goroutine and stops at the
	// first subscriber error, so critical subscribers (audit persistence) can
	// halt a run when they cannot record it. Subscribers that only observe
	// should log failures internally and return nil.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber and returns the first subscriber error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that
		// unregisters it when closed. A nil subscriber is rejected.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events.
	Subscriber interface {
		// HandleEvent processes one event. The context comes from the
		// Publish call and carries its cancellation.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent and
	// always returns nil.
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

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an in-memory fan-out bus ready for immediate use.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers the event to a snapshot of the current subscribers, so
// registrations and closes during delivery do not affect this publication.
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

// Register implements Bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("events: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Events already being delivered
// when Close is called may still arrive.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
