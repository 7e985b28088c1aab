package main

import (
	"context"
	"sync"
)

// ChannelUpdateEvent is published after every accepted and persisted
// channel update.
type ChannelUpdateEvent struct {
	UpdatedChannelState FullChannelState `json:"updatedChannelState"`
}

// UpdateEventPredicate filters channel update events before delivery.
type UpdateEventPredicate func(ChannelUpdateEvent) bool

// UpdateEventHandler consumes a channel update event.
type UpdateEventHandler func(ChannelUpdateEvent)

// ErrorEventPredicate filters protocol error events before delivery.
type ErrorEventPredicate func(*ChannelError) bool

// ErrorEventHandler consumes a protocol error event.
type ErrorEventHandler func(*ChannelError)

type updateSubscription struct {
	id        uint64
	predicate UpdateEventPredicate
	handler   UpdateEventHandler
	once      bool
}

type errorSubscription struct {
	id        uint64
	predicate ErrorEventPredicate
	handler   ErrorEventHandler
	once      bool
}

// EventBus dispatches channel update and protocol error events to
// subscribers. Each subscription carries a predicate evaluated before
// the handler is invoked, so subscribers receive only the events they
// asked for. Delivery is asynchronous; handlers must not rely on
// ordering across distinct events.
type EventBus struct {
	mu         sync.Mutex
	nextID     uint64
	updateSubs map[uint64]updateSubscription
	errorSubs  map[uint64]errorSubscription
	logger     Logger
}

func NewEventBus(logger Logger) *EventBus {
	return &EventBus{
		updateSubs: make(map[uint64]updateSubscription),
		errorSubs:  make(map[uint64]errorSubscription),
		logger:     logger.NewSystem("event-bus"),
	}
}

// SubscribeChannelUpdate registers a handler for channel update events
// matching the predicate. A nil predicate matches everything.
func (b *EventBus) SubscribeChannelUpdate(predicate UpdateEventPredicate, handler UpdateEventHandler) {
	b.subscribeUpdate(predicate, handler, false)
}

// SubscribeError registers a handler for protocol error events
// matching the predicate. A nil predicate matches everything.
func (b *EventBus) SubscribeError(predicate ErrorEventPredicate, handler ErrorEventHandler) {
	b.subscribeError(predicate, handler, false)
}

func (b *EventBus) subscribeUpdate(predicate UpdateEventPredicate, handler UpdateEventHandler, once bool) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.updateSubs[b.nextID] = updateSubscription{id: b.nextID, predicate: predicate, handler: handler, once: once}
	return b.nextID
}

func (b *EventBus) subscribeError(predicate ErrorEventPredicate, handler ErrorEventHandler, once bool) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.errorSubs[b.nextID] = errorSubscription{id: b.nextID, predicate: predicate, handler: handler, once: once}
	return b.nextID
}

// PublishChannelUpdate delivers the event to every matching subscriber.
func (b *EventBus) PublishChannelUpdate(event ChannelUpdateEvent) {
	b.mu.Lock()
	matched := make([]updateSubscription, 0, len(b.updateSubs))
	for id, sub := range b.updateSubs {
		if sub.predicate == nil || sub.predicate(event) {
			matched = append(matched, sub)
			if sub.once {
				delete(b.updateSubs, id)
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		go sub.handler(event)
	}
}

// PublishError delivers the error to every matching subscriber.
func (b *EventBus) PublishError(cerr *ChannelError) {
	if cerr == nil {
		return
	}
	b.mu.Lock()
	matched := make([]errorSubscription, 0, len(b.errorSubs))
	for id, sub := range b.errorSubs {
		if sub.predicate == nil || sub.predicate(cerr) {
			matched = append(matched, sub)
			if sub.once {
				delete(b.errorSubs, id)
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		go sub.handler(cerr)
	}
}

// WaitForChannelUpdate blocks until an event matching the predicate is
// published or the context expires.
func (b *EventBus) WaitForChannelUpdate(ctx context.Context, predicate UpdateEventPredicate) (ChannelUpdateEvent, error) {
	ch := make(chan ChannelUpdateEvent, 1)
	b.subscribeUpdate(predicate, func(e ChannelUpdateEvent) {
		select {
		case ch <- e:
		default:
		}
	}, true)

	select {
	case e := <-ch:
		return e, nil
	case <-ctx.Done():
		return ChannelUpdateEvent{}, ctx.Err()
	}
}

// WaitForError blocks until an error matching the predicate is
// published or the context expires.
func (b *EventBus) WaitForError(ctx context.Context, predicate ErrorEventPredicate) (*ChannelError, error) {
	ch := make(chan *ChannelError, 1)
	b.subscribeError(predicate, func(e *ChannelError) {
		select {
		case ch <- e:
		default:
		}
	}, true)

	select {
	case e := <-ch:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
