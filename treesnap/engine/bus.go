package engine

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"

	"github.com/ZanzyTHEbar/treesnap/treesnap/protocol"

	"github.com/rs/zerolog"
)

// Subscriber receives events; protocol.Connection satisfies it. SendEvent
// must not block: a subscriber that cannot take an event returns
// protocol.ErrOutboundFull.
type Subscriber interface {
	SendEvent(ctx context.Context, ev protocol.EventPayload) error
}

// EventBus fans events out to every attached subscriber. Publications are
// serialized so each subscriber sees events in the same order. A subscriber
// that falls behind is detached, and closed when it is an io.Closer, since
// it would otherwise miss invalidations.
type EventBus struct {
	mu     sync.Mutex
	subs   []*subscription
	logger zerolog.Logger
}

type subscription struct {
	sub Subscriber
}

// NewEventBus returns an empty bus.
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// Attach adds s and returns a function that removes it.
func (b *EventBus) Attach(s Subscriber) (detach func()) {
	entry := &subscription{sub: s}
	b.mu.Lock()
	b.subs = append(b.subs, entry)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(entry)
	}
}

func (b *EventBus) remove(entry *subscription) {
	b.subs = slices.DeleteFunc(b.subs, func(e *subscription) bool { return e == entry })
}

// Len returns the number of attached subscribers.
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber in attach order.
func (b *EventBus) Publish(ev protocol.EventPayload) {
	var dropped []*subscription

	b.mu.Lock()
	for _, s := range b.subs {
		err := s.sub.SendEvent(context.Background(), ev)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrOutboundFull):
			dropped = append(dropped, s)
		case errors.Is(err, protocol.ErrConnectionClosed):
			b.logger.Debug().Err(err).Str("kind", string(ev.EventKind())).Msg("Failed to deliver event")
		default:
			b.logger.Warn().Err(err).Str("kind", string(ev.EventKind())).Msg("Failed to deliver event")
		}
	}
	for _, s := range dropped {
		b.remove(s)
	}
	b.mu.Unlock()

	for _, s := range dropped {
		b.logger.Warn().Str("kind", string(ev.EventKind())).Msg("Subscriber is not keeping up, disconnecting")
		if c, ok := s.sub.(io.Closer); ok {
			if err := c.Close(); err != nil {
				b.logger.Debug().Err(err).Msg("Failed to close subscriber")
			}
		}
	}
}
