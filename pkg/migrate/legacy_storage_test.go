package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/picobridge/pkg/correlation"
	"github.com/tinyland-inc/picobridge/pkg/identity"
)

func writeDatum(t *testing.T, dir, name, body string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestRunLegacyStorage(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeDatum(t, dir, "a1", `{"key":"VK,2000000001,123","value":[["DS","555","777"],["TG",-100,42]]}`, mtime)
	writeDatum(t, dir, "a2", `{"key":"DS,555,900","value":["VK",2000000001,124]}`, mtime)
	writeDatum(t, dir, "a3", `{"key":"XX,1,2","value":[["DS","555","1"]]}`, mtime)
	writeDatum(t, dir, "a4", `not json`, mtime)
	writeDatum(t, dir, "a5", `{"key":"VK,2000000001,125","value":[null]}`, mtime)

	out := filepath.Join(t.TempDir(), "correlations.snapshot")
	result, err := RunLegacyStorage(context.Background(), LegacyStorageOptions{
		StorageDir:  dir,
		PlatformMap: map[string]string{"VK": "vk", "DS": "discord", "TG": "telegram"},
		OutputDSN:   out,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 3, result.Skipped)
	assert.Len(t, result.Warnings, 3)

	store := correlation.NewStore(correlation.WithBackend(correlation.NewFileBackend(out)))
	require.NoError(t, store.Load(context.Background()))
	require.Equal(t, 2, store.Len())

	entry, err := store.Lookup(identity.OriginID{Platform: "vk", RoomID: "2000000001", MessageID: "123"})
	require.NoError(t, err)
	require.Len(t, entry.Mirrors, 2)
	assert.Equal(t, identity.MirrorID{Platform: "discord", RoomID: "555", MessageID: "777"}, entry.Mirrors[0])
	assert.Equal(t, identity.MirrorID{Platform: "telegram", RoomID: "-100", MessageID: "42"}, entry.Mirrors[1])
	assert.True(t, entry.CreatedAt.Equal(mtime))

	single, err := store.Lookup(identity.OriginID{Platform: "discord", RoomID: "555", MessageID: "900"})
	require.NoError(t, err)
	assert.Equal(t, "124", single.Mirrors[0].MessageID)
}

func TestRunLegacyStorage_DryRunWritesNothing(t *testing.T) {
	dir := t.TempDir()
	writeDatum(t, dir, "a1", `{"key":"VK,1,2","value":[["DS","3","4"]]}`, time.Now())
	out := filepath.Join(t.TempDir(), "correlations.snapshot")

	result, err := RunLegacyStorage(context.Background(), LegacyStorageOptions{
		StorageDir:  dir,
		PlatformMap: map[string]string{"VK": "vk", "DS": "discord"},
		OutputDSN:   out,
		DryRun:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestRunLegacyStorage_KeepsExistingEntries(t *testing.T) {
	dir := t.TempDir()
	writeDatum(t, dir, "a1", `{"key":"VK,1,2","value":[["DS","3","4"]]}`, time.Now())
	out := filepath.Join(t.TempDir(), "correlations.snapshot")

	existing := correlation.NewStore(correlation.WithBackend(correlation.NewFileBackend(out)))
	require.NoError(t, existing.RecordNew(
		identity.OriginID{Platform: "vk", RoomID: "1", MessageID: "2"},
		[]identity.MirrorID{{Platform: "discord", RoomID: "3", MessageID: "kept"}},
	))
	require.NoError(t, existing.Snapshot(context.Background()))

	result, err := RunLegacyStorage(context.Background(), LegacyStorageOptions{
		StorageDir:  dir,
		PlatformMap: map[string]string{"VK": "vk", "DS": "discord"},
		OutputDSN:   out,
	})
	require.NoError(t, err)
	assert.Zero(t, result.Imported)
	assert.Equal(t, 1, result.Skipped)
}

func TestRunLegacyStorage_Validation(t *testing.T) {
	_, err := RunLegacyStorage(context.Background(), LegacyStorageOptions{StorageDir: t.TempDir(), OutputDSN: "memory://"})
	assert.Error(t, err)

	_, err = RunLegacyStorage(context.Background(), LegacyStorageOptions{
		StorageDir:  filepath.Join(t.TempDir(), "missing"),
		PlatformMap: map[string]string{"VK": "vk"},
		OutputDSN:   "memory://",
	})
	assert.Error(t, err)
}

func TestParsePlatformMap(t *testing.T) {
	m, err := ParsePlatformMap("VK=platform1, DS=platform2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"VK": "platform1", "DS": "platform2"}, m)

	_, err = ParsePlatformMap("VK")
	assert.Error(t, err)
	_, err = ParsePlatformMap("")
	assert.Error(t, err)
}
