package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/picobridge/pkg/identity"
)

func origin(t *testing.T, msg string) identity.OriginID {
	t.Helper()
	o, err := identity.NewOriginID("platform1", "2000000001", msg)
	require.NoError(t, err)
	return o
}

func mirror(t *testing.T, platform, msg string, extra ...string) identity.MirrorID {
	t.Helper()
	m, err := identity.NewMirrorID(platform, "chan", msg, extra...)
	require.NoError(t, err)
	return m
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRecordNewAndLookup(t *testing.T) {
	s := NewStore()
	o := origin(t, "123")
	mirrors := []identity.MirrorID{mirror(t, "platform2", "m1"), mirror(t, "platform3", "m2", "m3")}

	require.NoError(t, s.RecordNew(o, mirrors))

	got, err := s.Lookup(o)
	require.NoError(t, err)
	assert.Equal(t, o, got.Origin)
	assert.Equal(t, mirrors, got.Mirrors)
	assert.Equal(t, 1, s.Len())
}

func TestRecordNew_Duplicate(t *testing.T) {
	s := NewStore()
	o := origin(t, "123")
	first := []identity.MirrorID{mirror(t, "platform2", "m1")}
	require.NoError(t, s.RecordNew(o, first))

	err := s.RecordNew(o, []identity.MirrorID{mirror(t, "platform2", "other")})
	assert.ErrorIs(t, err, ErrDuplicateOrigin)

	got, err := s.Lookup(o)
	require.NoError(t, err)
	assert.Equal(t, first, got.Mirrors)
}

func TestRecordNew_RejectsEmptyMirrors(t *testing.T) {
	s := NewStore()
	err := s.RecordNew(origin(t, "1"), nil)
	assert.ErrorIs(t, err, ErrEmptyMirrors)
	assert.Zero(t, s.Len())
}

func TestLookup_NotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Lookup(origin(t, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookup_ReturnsCopy(t *testing.T) {
	s := NewStore()
	o := origin(t, "1")
	require.NoError(t, s.RecordNew(o, []identity.MirrorID{mirror(t, "platform2", "m1", "m2")}))

	got, err := s.Lookup(o)
	require.NoError(t, err)
	got.Mirrors[0].AdditionalIDs[0] = "mutated"

	again, err := s.Lookup(o)
	require.NoError(t, err)
	assert.Equal(t, "m2", again.Mirrors[0].AdditionalIDs[0])
}

func TestRemove_Idempotent(t *testing.T) {
	s := NewStore()
	o := origin(t, "1")
	require.NoError(t, s.RecordNew(o, []identity.MirrorID{mirror(t, "platform2", "m1")}))

	s.Remove(o)
	s.Remove(o)

	_, err := s.Lookup(o)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvictExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewStore(WithClock(clock.Now))

	old := origin(t, "old")
	require.NoError(t, s.RecordNew(old, []identity.MirrorID{mirror(t, "platform2", "m1")}))
	clock.Advance(12 * time.Hour)
	fresh := origin(t, "fresh")
	require.NoError(t, s.RecordNew(fresh, []identity.MirrorID{mirror(t, "platform2", "m2")}))

	assert.Zero(t, s.EvictExpired(clock.Now().Add(12*time.Hour)))

	removed := s.EvictExpired(clock.Now().Add(12*time.Hour + time.Second))
	assert.Equal(t, 1, removed)
	_, err := s.Lookup(old)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Lookup(fresh)
	assert.NoError(t, err)
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_123)}
	backend := NewMemoryBackend()

	s := NewStore(WithBackend(backend), WithClock(clock.Now))
	o1 := origin(t, "1")
	o2 := origin(t, "2")
	require.NoError(t, s.RecordNew(o1, []identity.MirrorID{mirror(t, "platform2", "a"), mirror(t, "platform3", "b")}))
	require.NoError(t, s.RecordNew(o2, []identity.MirrorID{mirror(t, "platform2", "c", "d", "e")}))
	require.NoError(t, s.Snapshot(ctx))

	restored := NewStore(WithBackend(backend))
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, 2, restored.Len())

	got, err := restored.Lookup(o2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, got.Mirrors[0].AllMessageIDs())
	assert.Equal(t, clock.Now().UnixMilli(), got.CreatedAt.UnixMilli())

	got, err = restored.Lookup(o1)
	require.NoError(t, err)
	assert.Equal(t, "platform2", got.Mirrors[0].Platform)
	assert.Equal(t, "platform3", got.Mirrors[1].Platform)
}

func TestCacheOnly_NoPersistence(t *testing.T) {
	s := NewStore()
	assert.True(t, s.CacheOnly())
	require.NoError(t, s.RecordNew(origin(t, "1"), []identity.MirrorID{mirror(t, "platform2", "m")}))
	assert.NoError(t, s.Snapshot(context.Background()))
	assert.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 1, s.Len())
}

type failingBackend struct {
	loadErr error
	saveErr error
	snap    *Snapshot
}

func (b *failingBackend) Load(context.Context) (*Snapshot, error) { return b.snap, b.loadErr }
func (b *failingBackend) Save(context.Context, *Snapshot) error { return b.saveErr }
func (b *failingBackend) Close() error { return nil }

func TestLoad_CorruptStartsEmpty(t *testing.T) {
	backend := &failingBackend{loadErr: corruptErr("load", "x", errors.New("bad bytes"))}
	s := NewStore(WithBackend(backend))
	require.NoError(t, s.Load(context.Background()))
	assert.Zero(t, s.Len())
}

func TestLoad_StrictFails(t *testing.T) {
	backend := &failingBackend{loadErr: corruptErr("load", "x", errors.New("bad bytes"))}
	s := NewStore(WithBackend(backend), WithStrictLoad(true))
	err := s.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}

func TestLoad_SkipsUndecodableEntries(t *testing.T) {
	good := origin(t, "1")
	snap := NewSnapshot()
	snap.Messages[good.Key()] = []string{mirror(t, "platform2", "m").Key()}
	snap.Timestamps[good.Key()] = 1
	snap.Messages["not-a-key"] = []string{"x:y:z"}

	s := NewStore(WithBackend(&failingBackend{snap: snap}))
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 1, s.Len())

	strict := NewStore(WithBackend(&failingBackend{snap: snap}), WithStrictLoad(true))
	assert.ErrorIs(t, strict.Load(context.Background()), ErrSnapshotCorrupt)
}

func TestSnapshot_WrapsBackendErrors(t *testing.T) {
	s := NewStore(WithBackend(&failingBackend{saveErr: errors.New("disk full")}))
	err := s.Snapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotIO)
	var se *SnapshotError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "save", se.Op)
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore(WithBackend(NewMemoryBackend()))
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, _ := identity.NewOriginID("platform1", "room", fmt.Sprintf("%d", i))
			m, _ := identity.NewMirrorID("platform2", "room", fmt.Sprintf("m%d", i))
			assert.NoError(t, s.RecordNew(o, []identity.MirrorID{m}))
			_, _ = s.Lookup(o)
			_ = s.Snapshot(context.Background())
			if i%2 == 0 {
				s.Remove(o)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, s.Len())
}
