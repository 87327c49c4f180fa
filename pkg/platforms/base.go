package platforms

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

// BaseAdapterOption is a functional option for configuring a BaseAdapter.
type BaseAdapterOption func(*BaseAdapter)

// WithMaxMessageLength sets the maximum message length (in runes) for a
// platform. Longer mirrors are split into additional messages.
// A value of 0 means no limit.
func WithMaxMessageLength(n int) BaseAdapterOption {
	return func(a *BaseAdapter) { a.maxMessageLength = n }
}

// WithSelfID sets the account id the bridge posts as on this platform.
func WithSelfID(id string) BaseAdapterOption {
	return func(a *BaseAdapter) { a.selfID = id }
}

type BaseAdapter struct {
	bus              *bus.MessageBus
	running          atomic.Bool
	name             string
	typ              string
	maxMessageLength int

	mu     sync.RWMutex
	selfID string
}

func NewBaseAdapter(name, typ string, b *bus.MessageBus, opts ...BaseAdapterOption) *BaseAdapter {
	a := &BaseAdapter{
		bus:  b,
		name: name,
		typ:  typ,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *BaseAdapter) Name() string {
	return a.name
}

func (a *BaseAdapter) Type() string {
	return a.typ
}

// MaxMessageLength returns the maximum message length (in runes).
// A value of 0 means no limit.
func (a *BaseAdapter) MaxMessageLength() int {
	return a.maxMessageLength
}

func (a *BaseAdapter) IsRunning() bool {
	return a.running.Load()
}

func (a *BaseAdapter) SetRunning(running bool) {
	a.running.Store(running)
}

func (a *BaseAdapter) SelfID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selfID
}

// SetSelfID records the bridge account id, typically learned on connect.
// A configured id is kept.
func (a *BaseAdapter) SetSelfID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selfID == "" {
		a.selfID = id
	}
}

// IsSelf reports whether senderID is the bridge's own account.
func (a *BaseAdapter) IsSelf(senderID string) bool {
	self := a.SelfID()
	return self != "" && senderID == self
}

// Emit publishes an inbound event. Events authored by the bridge itself are
// dropped here so mirrors never loop back into the relay.
func (a *BaseAdapter) Emit(
	ctx context.Context,
	kind bus.EventKind,
	roomID, messageID, senderID string,
	content bus.Content,
) {
	if a.IsSelf(senderID) {
		logger.DebugCF("platforms", "Dropped self-authored event", map[string]any{
			"platform": a.name,
			"kind":     string(kind),
			"room":     roomID,
		})
		return
	}

	origin, err := identity.NewOriginID(a.name, roomID, messageID)
	if err != nil {
		logger.WarnCF("platforms", "Dropped event with invalid identity", map[string]any{
			"platform": a.name,
			"error":    err.Error(),
		})
		return
	}

	if content.Reply != nil && content.Reply.Platform == "" {
		reply := *content.Reply
		reply.Platform = a.name
		content.Reply = &reply
	}

	ev := bus.Event{
		Kind:       kind,
		Origin:     origin,
		SenderID:   senderID,
		Content:    content,
		ReceivedAt: time.Now(),
	}
	if err := a.bus.PublishInbound(ctx, ev); err != nil {
		logger.WarnCF("platforms", "Failed to publish event", map[string]any{
			"platform": a.name,
			"origin":   origin.Key(),
			"error":    err.Error(),
		})
	}
}
