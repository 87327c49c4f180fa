package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "failsafe": false,
  "platforms": [
    {"id": "platform1", "type": "telegram", "token": "t1"},
    {"id": "platform2", "type": "discord", "token_env": "TEST_DISCORD_TOKEN"}
  ],
  "rooms": [
    {"name": "general", "members": [
      {"platform": "platform1", "room": 2000000001},
      {"platform": "platform2", "room": "9876543210"}
    ]}
  ],
  "storage": {"save_interval": 60}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_JSON(t *testing.T) {
	t.Setenv("TEST_DISCORD_TOKEN", "from-env")
	cfg, err := LoadConfig(writeFile(t, "config.json", sampleJSON))
	require.NoError(t, err)

	assert.False(t, cfg.Failsafe)
	require.Len(t, cfg.Platforms, 2)
	assert.Equal(t, "from-env", cfg.Platforms[1].ResolvedToken())
	assert.Equal(t, "t1", cfg.Platforms[0].ResolvedToken())
	assert.True(t, cfg.Platforms[0].IsEnabled())

	require.Len(t, cfg.Rooms, 1)
	assert.Equal(t, FlexibleString("2000000001"), cfg.Rooms[0].Members[0].Room)
	assert.Equal(t, 60, cfg.Storage.SaveInterval)
	assert.Equal(t, 24*60*60, cfg.Storage.Retention, "defaults survive partial sections")
}

func TestLoadConfig_YAML(t *testing.T) {
	body := `
failsafe: true
platforms:
  - id: platform1
    type: slack
  - id: platform2
    type: wsrelay
    url: ws://localhost:9000/bridge
rooms:
  - name: ops
    members:
      - platform: platform1
        room: C0123
      - platform: platform2
        room: 42
storage:
  cache_only: true
`
	cfg, err := LoadConfig(writeFile(t, "config.yaml", body))
	require.NoError(t, err)
	assert.True(t, cfg.Storage.CacheOnly)
	assert.Empty(t, cfg.Storage.DSN())
	assert.Equal(t, FlexibleString("42"), cfg.Rooms[0].Members[1].Room)
	assert.Equal(t, "ws://localhost:9000/bridge", cfg.Platforms[1].URL)
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Storage.SaveInterval, cfg.Storage.SaveInterval)
	assert.True(t, cfg.Failsafe)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PICOBRIDGE_FAILSAFE", "false")
	t.Setenv("PICOBRIDGE_STORAGE_SAVE_INTERVAL", "5")
	t.Setenv("PICOBRIDGE_GATEWAY_PORT", "9999")

	cfg, err := LoadConfig(writeFile(t, "config.json", sampleJSON))
	require.NoError(t, err)
	assert.False(t, cfg.Failsafe)
	assert.Equal(t, 5, cfg.Storage.SaveInterval)
	assert.Equal(t, 9999, cfg.Gateway.Port)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Platforms = []PlatformConfig{{ID: "a", Type: "discord"}, {ID: "b", Type: "telegram"}}
		cfg.Rooms = []RoomConfig{{Members: []MemberConfig{{Platform: "a", Room: "1"}, {Platform: "b", Room: "2"}}}}
		return cfg
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"duplicate platform", func(c *Config) { c.Platforms[1].ID = "a" }},
		{"missing type", func(c *Config) { c.Platforms[0].Type = "" }},
		{"colon in id", func(c *Config) { c.Platforms[0].ID = "a:b" }},
		{"empty id", func(c *Config) { c.Platforms[0].ID = "" }},
		{"unknown member", func(c *Config) { c.Rooms[0].Members[1].Platform = "zzz" }},
		{"single member", func(c *Config) { c.Rooms[0].Members = c.Rooms[0].Members[:1] }},
		{"room bridged twice", func(c *Config) { c.Rooms = append(c.Rooms, c.Rooms[0]) }},
		{"zero interval", func(c *Config) { c.Storage.SaveInterval = 0 }},
		{"flow without dsn", func(c *Config) { c.Flow.Enabled = true; c.Flow.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig()
	cfg.Platforms = []PlatformConfig{{ID: "a", Type: "discord"}, {ID: "b", Type: "slack"}}
	cfg.Rooms = []RoomConfig{{Name: "r", Members: []MemberConfig{{Platform: "a", Room: "1"}, {Platform: "b", Room: "C1"}}}}
	require.NoError(t, SaveConfig(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Rooms, loaded.Rooms)
}
