package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

const Logo = "🌉"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".picobridge", "config.json")
}

// LoadConfig loads path, or the default config path when path is empty.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = GetConfigPath()
	}
	return config.LoadConfig(path)
}

// SetupLogging applies the configured level and output format. debug
// forces the DEBUG level.
func SetupLogging(cfg *config.Config, debug bool) {
	logger.SetOutput(os.Stderr, cfg.Logging.JSON)
	level := logger.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
