package relay

import (
	"context"
	"time"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/correlation"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/platforms"
)

// PlatformSource resolves platform instances by their configured id.
// *platforms.Manager satisfies it.
type PlatformSource interface {
	Get(name string) (platforms.Platform, bool)
}

// Executor performs single adapter calls on behalf of a strategy. Each call
// is bounded by the adapter timeout.
type Executor struct {
	platforms PlatformSource
	store     *correlation.Store
	timeout   time.Duration
}

func NewExecutor(src PlatformSource, store *correlation.Store, timeout time.Duration) *Executor {
	return &Executor{platforms: src, store: store, timeout: timeout}
}

func (x *Executor) Store() *correlation.Store { return x.store }

// Create posts ev's content into dest and returns the new mirror.
func (x *Executor) Create(ctx context.Context, ev bus.Event, dest Destination) (identity.MirrorID, error) {
	p, err := x.platform(dest.Platform, "create")
	if err != nil {
		return identity.MirrorID{}, err
	}
	ctx, cancel := x.bound(ctx)
	defer cancel()
	return p.Create(ctx, dest.RoomID, platforms.Outbound{
		Content: ev.Content,
		ReplyTo: x.replyTo(ev.Content.Reply, dest),
	})
}

// Edit rewrites an existing mirror with ev's content.
func (x *Executor) Edit(ctx context.Context, ev bus.Event, mirror identity.MirrorID) error {
	p, err := x.platform(mirror.Platform, "edit")
	if err != nil {
		return err
	}
	ctx, cancel := x.bound(ctx)
	defer cancel()
	return p.Edit(ctx, mirror, platforms.Outbound{Content: ev.Content})
}

// Delete removes every message of a mirror.
func (x *Executor) Delete(ctx context.Context, mirror identity.MirrorID) error {
	p, err := x.platform(mirror.Platform, "delete")
	if err != nil {
		return err
	}
	ctx, cancel := x.bound(ctx)
	defer cancel()
	return p.Delete(ctx, mirror)
}

func (x *Executor) platform(name, op string) (platforms.Platform, error) {
	p, ok := x.platforms.Get(name)
	if !ok {
		return nil, &platforms.AdapterError{Platform: name, Op: op, Err: platforms.ErrUnknownPlatform}
	}
	return p, nil
}

func (x *Executor) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, x.timeout)
}

// replyTo finds the message in dest that corresponds to the replied-to
// origin: either the origin itself when dest is its room, or the mirror
// recorded for it there.
func (x *Executor) replyTo(reply *identity.OriginID, dest Destination) string {
	if reply == nil {
		return ""
	}
	if reply.Platform == dest.Platform && reply.RoomID == dest.RoomID {
		return reply.MessageID
	}
	entry, err := x.store.Lookup(*reply)
	if err != nil {
		return ""
	}
	for _, m := range entry.Mirrors {
		if m.Platform == dest.Platform && m.RoomID == dest.RoomID {
			return m.MessageID
		}
	}
	return ""
}
