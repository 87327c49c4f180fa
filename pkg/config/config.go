package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/tinyland-inc/picobridge/pkg/utils"
)

// FlexibleString is a string that also accepts JSON numbers,
// so room ids can be written as "2000000001" or 2000000001.
type FlexibleString string

func (f *FlexibleString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexibleString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexibleString(n.String())
	return nil
}

func (f FlexibleString) String() string { return string(f) }

type Config struct {
	Logging    LoggingConfig    `json:"logging"    yaml:"logging"`
	Failsafe   bool             `json:"failsafe"   yaml:"failsafe"   env:"PICOBRIDGE_FAILSAFE"`
	Platforms  []PlatformConfig `json:"platforms"  yaml:"platforms"`
	Rooms      []RoomConfig     `json:"rooms"      yaml:"rooms"`
	Storage    StorageConfig    `json:"storage"    yaml:"storage"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Flow       FlowConfig       `json:"flow"       yaml:"flow"`
	Gateway    GatewayConfig    `json:"gateway"    yaml:"gateway"`
}

type LoggingConfig struct {
	Level string `env:"PICOBRIDGE_LOGGING_LEVEL" json:"level" yaml:"level"`
	JSON  bool   `env:"PICOBRIDGE_LOGGING_JSON"  json:"json"  yaml:"json"`
}

// PlatformConfig declares one platform instance. ID is the name used in
// rooms and in stored identities, Type selects the adapter.
type PlatformConfig struct {
	ID       string `json:"id"                  yaml:"id"`
	Type     string `json:"type"                yaml:"type"`
	Enabled  *bool  `json:"enabled,omitempty"   yaml:"enabled,omitempty"`
	Token    string `json:"token,omitempty"     yaml:"token,omitempty"`
	TokenEnv string `json:"token_env,omitempty" yaml:"token_env,omitempty"`
	AppToken string `json:"app_token,omitempty" yaml:"app_token,omitempty"`
	URL      string `json:"url,omitempty"       yaml:"url,omitempty"`
	SelfID   string `json:"self_id,omitempty"   yaml:"self_id,omitempty"`
}

func (p PlatformConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedToken returns Token, or the value of the TokenEnv variable when set.
func (p PlatformConfig) ResolvedToken() string {
	if p.TokenEnv != "" {
		if v := os.Getenv(p.TokenEnv); v != "" {
			return v
		}
	}
	return p.Token
}

// RoomConfig links rooms on several platforms into one bridged conversation.
// Member order is the mirror order.
type RoomConfig struct {
	Name    string         `json:"name"    yaml:"name"`
	Members []MemberConfig `json:"members" yaml:"members"`
}

type MemberConfig struct {
	Platform string         `json:"platform" yaml:"platform"`
	Room     FlexibleString `json:"room"     yaml:"room"`
}

type StorageConfig struct {
	CacheOnly    bool   `env:"PICOBRIDGE_STORAGE_CACHE_ONLY"    json:"cache_only"    yaml:"cache_only"`
	Path         string `env:"PICOBRIDGE_STORAGE_PATH"          json:"path"          yaml:"path"`
	SaveInterval int    `env:"PICOBRIDGE_STORAGE_SAVE_INTERVAL" json:"save_interval" yaml:"save_interval"` // seconds
	Schedule     string `env:"PICOBRIDGE_STORAGE_SCHEDULE"      json:"schedule"      yaml:"schedule"`      // cron, overrides save_interval
	Retention    int    `env:"PICOBRIDGE_STORAGE_RETENTION"     json:"retention"     yaml:"retention"`     // seconds
	Strict       bool   `env:"PICOBRIDGE_STORAGE_STRICT"        json:"strict"        yaml:"strict"`
}

func (s StorageConfig) SaveIntervalDuration() time.Duration {
	return time.Duration(s.SaveInterval) * time.Second
}

func (s StorageConfig) RetentionDuration() time.Duration {
	return time.Duration(s.Retention) * time.Second
}

// DSN returns the snapshot location with "~" expanded, or "" in cache-only mode.
func (s StorageConfig) DSN() string {
	if s.CacheOnly {
		return ""
	}
	return expandHome(s.Path)
}

type DispatcherConfig struct {
	Workers        int `env:"PICOBRIDGE_DISPATCHER_WORKERS"         json:"workers"         yaml:"workers"`
	QueueSize      int `env:"PICOBRIDGE_DISPATCHER_QUEUE_SIZE"      json:"queue_size"      yaml:"queue_size"`
	FanoutLimit    int `env:"PICOBRIDGE_DISPATCHER_FANOUT_LIMIT"    json:"fanout_limit"    yaml:"fanout_limit"`
	AdapterTimeout int `env:"PICOBRIDGE_DISPATCHER_ADAPTER_TIMEOUT" json:"adapter_timeout" yaml:"adapter_timeout"` // seconds
}

func (d DispatcherConfig) AdapterTimeoutDuration() time.Duration {
	return time.Duration(d.AdapterTimeout) * time.Second
}

type FlowConfig struct {
	Enabled     bool   `env:"PICOBRIDGE_FLOW_ENABLED"      json:"enabled"      yaml:"enabled"`
	DSN         string `env:"PICOBRIDGE_FLOW_DSN"          json:"dsn"          yaml:"dsn"`
	Workers     int    `env:"PICOBRIDGE_FLOW_WORKERS"      json:"workers"      yaml:"workers"`
	MaxAttempts int    `env:"PICOBRIDGE_FLOW_MAX_ATTEMPTS" json:"max_attempts" yaml:"max_attempts"`
}

func (f FlowConfig) Path() string {
	return expandHome(f.DSN)
}

type GatewayConfig struct {
	Host string `env:"PICOBRIDGE_GATEWAY_HOST" json:"host" yaml:"host"`
	Port int    `env:"PICOBRIDGE_GATEWAY_PORT" json:"port" yaml:"port"`
}

// LoadConfig reads a JSON or YAML (by extension) config over the defaults,
// then applies PICOBRIDGE_* environment overrides. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks cross references between platforms and rooms.
func (c *Config) Validate() error {
	known := make(map[string]bool, len(c.Platforms))
	for i, p := range c.Platforms {
		if err := p.validate(); err != nil {
			return fmt.Errorf("platforms[%d]: %w", i, err)
		}
		if known[p.ID] {
			return fmt.Errorf("platforms[%d]: duplicate id %q", i, p.ID)
		}
		known[p.ID] = true
	}

	seen := make(map[string]string)
	for i, r := range c.Rooms {
		if len(r.Members) < 2 {
			return fmt.Errorf("rooms[%d]: at least two members are required", i)
		}
		for j, m := range r.Members {
			if m.Platform == "" || m.Room == "" {
				return fmt.Errorf("rooms[%d].members[%d]: platform and room are required", i, j)
			}
			if !known[m.Platform] {
				return fmt.Errorf("rooms[%d].members[%d]: unknown platform %q", i, j, m.Platform)
			}
			key := m.Platform + "/" + string(m.Room)
			if other, dup := seen[key]; dup {
				return fmt.Errorf("rooms[%d].members[%d]: %s already bridged by room %q", i, j, key, other)
			}
			seen[key] = roomLabel(r, i)
		}
	}

	if c.Storage.SaveInterval <= 0 {
		return errors.New("storage.save_interval must be positive")
	}
	if c.Storage.Retention <= 0 {
		return errors.New("storage.retention must be positive")
	}
	if !c.Storage.CacheOnly && strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required unless cache_only is set")
	}
	if c.Dispatcher.Workers <= 0 {
		return errors.New("dispatcher.workers must be positive")
	}
	if c.Flow.Enabled && strings.TrimSpace(c.Flow.DSN) == "" {
		return errors.New("flow.dsn is required when flow is enabled")
	}
	return nil
}

func (p PlatformConfig) validate() error {
	if err := utils.ValidateIdentifier(p.ID); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if p.Type == "" {
		return errors.New("type is required")
	}
	return nil
}

func roomLabel(r RoomConfig, i int) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("#%d", i)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
