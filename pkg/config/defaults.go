package config

func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Failsafe:  true,
		Platforms: []PlatformConfig{},
		Rooms:     []RoomConfig{},
		Storage: StorageConfig{
			Path:         "~/.picobridge/correlations.snapshot",
			SaveInterval: 600,
			Retention:    24 * 60 * 60,
		},
		Dispatcher: DispatcherConfig{
			Workers:        8,
			QueueSize:      100,
			FanoutLimit:    4,
			AdapterTimeout: 30,
		},
		Flow: FlowConfig{
			Enabled:     false,
			DSN:         "~/.picobridge/flows.db",
			Workers:     4,
			MaxAttempts: 1,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18800,
		},
	}
}
