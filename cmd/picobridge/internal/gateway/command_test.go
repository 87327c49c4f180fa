package gateway

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/identity"
)

func TestNewGatewayCommand(t *testing.T) {
	cmd := NewGatewayCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "gateway", cmd.Use)
	assert.Equal(t, []string{"g"}, cmd.Aliases)
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("debug"))
	assert.NotNil(t, cmd.Flags().Lookup("config"))
}

func TestOpenStore_PersistsAcrossRestart(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "correlations.snapshot")

	store, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	o := identity.OriginID{Platform: "p1", RoomID: "r1", MessageID: "m1"}
	require.NoError(t, store.RecordNew(o, []identity.MirrorID{{Platform: "p2", RoomID: "r2", MessageID: "x"}}))
	require.NoError(t, store.Snapshot(context.Background()))
	require.NoError(t, store.Close())

	reopened, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.Lookup(o)
	assert.NoError(t, err)
}

func TestOpenStore_CacheOnly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.CacheOnly = true
	store, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, store.CacheOnly())
}

func TestOpenJobStore_CreatesDirectory(t *testing.T) {
	fc := config.FlowConfig{DSN: filepath.Join(t.TempDir(), "nested", "flows.db")}
	jobs, err := openJobStore(fc)
	require.NoError(t, err)
	assert.NoError(t, jobs.Close())
}
