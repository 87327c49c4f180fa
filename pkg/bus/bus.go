package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

const DefaultCapacity = 100

type MessageBus struct {
	inbound chan Event
	done    chan struct{}
	closed  atomic.Bool
}

// NewMessageBus creates a bus whose inbound queue holds capacity events.
// Publishers block once it is full.
func NewMessageBus(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MessageBus{
		inbound: make(chan Event, capacity),
		done:    make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, ev Event) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case mb.inbound <- ev:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound returns the next event. After Close it keeps returning
// buffered events and reports false once the queue is empty.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-mb.inbound:
		return ev, ok
	case <-mb.done:
		select {
		case ev := <-mb.inbound:
			return ev, true
		default:
			return Event{}, false
		}
	case <-ctx.Done():
		return Event{}, false
	}
}

// Pending reports how many events are queued.
func (mb *MessageBus) Pending() int {
	return len(mb.inbound)
}

func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}
