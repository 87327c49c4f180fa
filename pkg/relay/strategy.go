package relay

import (
	"context"

	"github.com/tinyland-inc/picobridge/pkg/bus"
)

// Strategy applies one origin event to its mirrors. The dispatcher never
// calls a strategy concurrently for the same origin.
//
// A returned error has already been logged; it only marks the event as
// failed in the dispatcher counters.
type Strategy interface {
	HandleNew(ctx context.Context, ev bus.Event) error
	HandleEdit(ctx context.Context, ev bus.Event) error
	HandleRemove(ctx context.Context, ev bus.Event) error
}
