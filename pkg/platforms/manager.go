package platforms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

// Manager owns every configured platform instance.
type Manager struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

// NewManager builds every enabled platform in cfg. An unknown platform type
// fails the whole construction.
func NewManager(cfg *config.Config, b *bus.MessageBus) (*Manager, error) {
	m := &Manager{platforms: make(map[string]Platform)}
	for _, pc := range cfg.Platforms {
		if !pc.IsEnabled() {
			logger.InfoCF("platforms", "Platform disabled", map[string]any{"platform": pc.ID})
			continue
		}
		factory, ok := lookupFactory(pc.Type)
		if !ok {
			return nil, fmt.Errorf("%w: %q (platform %s)", ErrUnknownPlatform, pc.Type, pc.ID)
		}
		p, err := factory(pc, b)
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", pc.ID, err)
		}
		m.platforms[pc.ID] = p
	}
	return m, nil
}

// NewManagerWith wraps already constructed platforms.
func NewManagerWith(platforms ...Platform) *Manager {
	m := &Manager{platforms: make(map[string]Platform, len(platforms))}
	for _, p := range platforms {
		m.platforms[p.Name()] = p
	}
	return m
}

func (m *Manager) Get(name string) (Platform, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.platforms[name]
	return p, ok
}

// Names returns the configured platform ids, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.platforms))
	for name := range m.platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running returns the ids of platforms currently connected.
func (m *Manager) Running() []string {
	var out []string
	for _, name := range m.Names() {
		if p, ok := m.Get(name); ok && p.IsRunning() {
			out = append(out, name)
		}
	}
	return out
}

// StartAll starts every platform. Failures are logged and joined; the
// remaining platforms still start.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.Names() {
		p, _ := m.Get(name)
		if err := p.Start(ctx); err != nil {
			logger.ErrorCF("platforms", "Failed to start platform", map[string]any{
				"platform": name,
				"error":    err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.InfoCF("platforms", "Platform started", map[string]any{
			"platform": name,
			"type":     p.Type(),
		})
	}
	return errors.Join(errs...)
}

func (m *Manager) StopAll(ctx context.Context) {
	for _, name := range m.Names() {
		p, _ := m.Get(name)
		if !p.IsRunning() {
			continue
		}
		if err := p.Stop(ctx); err != nil {
			logger.WarnCF("platforms", "Failed to stop platform", map[string]any{
				"platform": name,
				"error":    err.Error(),
			})
		}
	}
}
