// Package platforms adapts chat services to the bridge: each adapter turns
// native message events into bus events and performs create, edit and
// delete on behalf of the relay.
package platforms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/identity"
)

var (
	ErrUnknownPlatform = fmt.Errorf("%w: unknown platform", identity.ErrInvalidIdentity)
	ErrNotRunning      = errors.New("platform not running")
	ErrNotSupported    = errors.New("operation not supported by platform")
)

// Outbound is what the relay asks a destination to post.
// ReplyTo is the destination message id being replied to, when known.
type Outbound struct {
	Content bus.Content
	ReplyTo string
}

// Platform is one configured chat service instance.
type Platform interface {
	Name() string
	Type() string
	SelfID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Create(ctx context.Context, roomID string, msg Outbound) (identity.MirrorID, error)
	Edit(ctx context.Context, mirror identity.MirrorID, msg Outbound) error
	Delete(ctx context.Context, mirror identity.MirrorID) error
}

// AdapterError reports a failed platform call.
type AdapterError struct {
	Platform string
	Op       string
	Reason   string
	Err      error
}

func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Platform, e.Op)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AdapterError) Unwrap() error { return e.Err }

func adapterErr(platform, op string, err error) error {
	return &AdapterError{Platform: platform, Op: op, Err: err}
}

// Factory builds a platform from its config entry.
type Factory func(cfg config.PlatformConfig, b *bus.MessageBus) (Platform, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// Register installs the factory for a platform type.
func Register(typ string, f Factory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[typ] = f
}

func lookupFactory(typ string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.factories[typ]
	return f, ok
}

// Types lists registered platform types.
func Types() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	out := make([]string, 0, len(registry.factories))
	for t := range registry.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
