package correlation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/picobridge/pkg/identity"
)

func TestNewMaintainer_Defaults(t *testing.T) {
	m, err := NewMaintainer(NewStore(), 0, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultSaveInterval, m.interval)
	assert.Equal(t, DefaultSaveInterval, m.nextWait())
}

func TestNewMaintainer_InvalidSchedule(t *testing.T) {
	_, err := NewMaintainer(NewStore(), time.Minute, "not a cron")
	assert.Error(t, err)
}

func TestMaintainer_ScheduleWait(t *testing.T) {
	m, err := NewMaintainer(NewStore(), time.Hour, "*/5 * * * *")
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2026, 1, 1, 10, 2, 0, 0, time.Local) }
	assert.Equal(t, 3*time.Minute, m.nextWait())
}

func TestMaintainer_RunOnceEvictsThenSnapshots(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	backend := NewMemoryBackend()
	s := NewStore(WithBackend(backend), WithClock(clock.Now))

	stale := origin(t, "stale")
	require.NoError(t, s.RecordNew(stale, []identity.MirrorID{mirror(t, "platform2", "a")}))
	clock.Advance(25 * time.Hour)
	live := origin(t, "live")
	require.NoError(t, s.RecordNew(live, []identity.MirrorID{mirror(t, "platform2", "b")}))

	m, err := NewMaintainer(s, time.Minute, "")
	require.NoError(t, err)
	require.NoError(t, m.RunOnce(ctx, clock.Now()))

	snap, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	assert.Contains(t, snap.Messages, live.Key())
	assert.NotContains(t, snap.Messages, stale.Key())
}

func TestMaintainer_SaveFailureRetriedNextCycle(t *testing.T) {
	backend := &failingBackend{saveErr: errors.New("disk full")}
	s := NewStore(WithBackend(backend))
	m, err := NewMaintainer(s, time.Minute, "")
	require.NoError(t, err)

	assert.ErrorIs(t, m.RunOnce(context.Background(), time.Now()), ErrSnapshotIO)

	backend.saveErr = nil
	assert.NoError(t, m.RunOnce(context.Background(), time.Now()))
}

func TestMaintainer_RunFlushesOnCancel(t *testing.T) {
	backend := NewMemoryBackend()
	s := NewStore(WithBackend(backend))
	require.NoError(t, s.RecordNew(origin(t, "1"), []identity.MirrorID{mirror(t, "platform2", "a")}))

	m, err := NewMaintainer(s, time.Hour, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("maintainer did not stop")
	}

	snap, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
}
