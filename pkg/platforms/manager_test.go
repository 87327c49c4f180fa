package platforms

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/identity"
)

type stubPlatform struct {
	*BaseAdapter
	startErr error
}

func (s *stubPlatform) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.SetRunning(true)
	return nil
}

func (s *stubPlatform) Stop(context.Context) error {
	s.SetRunning(false)
	return nil
}

func (s *stubPlatform) Create(context.Context, string, Outbound) (identity.MirrorID, error) {
	return identity.MirrorID{}, ErrNotSupported
}

func (s *stubPlatform) Edit(context.Context, identity.MirrorID, Outbound) error { return ErrNotSupported }

func (s *stubPlatform) Delete(context.Context, identity.MirrorID) error { return ErrNotSupported }

func init() {
	Register("stub", func(cfg config.PlatformConfig, b *bus.MessageBus) (Platform, error) {
		return &stubPlatform{BaseAdapter: NewBaseAdapter(cfg.ID, "stub", b)}, nil
	})
}

func TestNewManager_BuildsEnabledPlatforms(t *testing.T) {
	disabled := false
	cfg := config.DefaultConfig()
	cfg.Platforms = []config.PlatformConfig{
		{ID: "one", Type: "stub"},
		{ID: "two", Type: "stub"},
		{ID: "off", Type: "stub", Enabled: &disabled},
	}
	m, err := NewManager(cfg, bus.NewMessageBus(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, m.Names())

	p, ok := m.Get("two")
	require.True(t, ok)
	assert.Equal(t, "stub", p.Type())
}

func TestNewManager_UnknownType(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Platforms = []config.PlatformConfig{{ID: "x", Type: "carrier-pigeon"}}
	_, err := NewManager(cfg, bus.NewMessageBus(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.ErrorIs(t, err, identity.ErrInvalidIdentity)
}

func TestManager_StartAllContinuesPastFailures(t *testing.T) {
	mb := bus.NewMessageBus(1)
	good := &stubPlatform{BaseAdapter: NewBaseAdapter("good", "stub", mb)}
	bad := &stubPlatform{BaseAdapter: NewBaseAdapter("bad", "stub", mb), startErr: errors.New("boom")}
	m := NewManagerWith(good, bad)

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, []string{"good"}, m.Running())

	m.StopAll(context.Background())
	assert.Empty(t, m.Running())
}

func TestTypes_IncludesBuiltins(t *testing.T) {
	types := Types()
	for _, want := range []string{TypeDiscord, TypeSlack, TypeTelegram, TypeVK, TypeWSRelay} {
		assert.Contains(t, types, want)
	}
}

func TestAdapterError(t *testing.T) {
	inner := errors.New("rate limited")
	err := adapterErr("platform2", "create", inner)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "platform2 create: rate limited", err.Error())

	var ae *AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "platform2", ae.Platform)
}
