package platforms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/identity"
)

func TestEmit_PublishesEvent(t *testing.T) {
	mb := bus.NewMessageBus(4)
	a := NewBaseAdapter("platform1", "telegram", mb, WithSelfID("bot"))

	a.Emit(context.Background(), bus.EventNew, "room", "42", "user",
		bus.Content{Text: "hi", Reply: &identity.OriginID{RoomID: "room", MessageID: "41"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, bus.EventNew, ev.Kind)
	assert.Equal(t, identity.OriginID{Platform: "platform1", RoomID: "room", MessageID: "42"}, ev.Origin)
	assert.Equal(t, "user", ev.SenderID)
	require.NotNil(t, ev.Content.Reply)
	assert.Equal(t, "platform1", ev.Content.Reply.Platform)
	assert.False(t, ev.ReceivedAt.IsZero())
}

func TestEmit_DropsSelfAuthored(t *testing.T) {
	mb := bus.NewMessageBus(4)
	a := NewBaseAdapter("platform1", "discord", mb, WithSelfID("bot"))

	a.Emit(context.Background(), bus.EventNew, "room", "1", "bot", bus.Content{})
	assert.Zero(t, mb.Pending())
}

func TestEmit_DropsInvalidIdentity(t *testing.T) {
	mb := bus.NewMessageBus(4)
	a := NewBaseAdapter("platform1", "discord", mb)

	a.Emit(context.Background(), bus.EventNew, "", "1", "user", bus.Content{})
	assert.Zero(t, mb.Pending())
}

func TestSetSelfID_KeepsConfigured(t *testing.T) {
	a := NewBaseAdapter("p", "slack", bus.NewMessageBus(1), WithSelfID("configured"))
	a.SetSelfID("learned")
	assert.Equal(t, "configured", a.SelfID())

	b := NewBaseAdapter("p", "slack", bus.NewMessageBus(1))
	assert.False(t, b.IsSelf(""))
	b.SetSelfID("learned")
	assert.True(t, b.IsSelf("learned"))
}
