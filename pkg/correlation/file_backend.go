package correlation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/tinyland-inc/picobridge/pkg/logger"
)

const (
	tempSuffix   = ".tmp"
	legacySuffix = ".bak"
)

// FileBackend stores the snapshot as a single msgpack file. Saves go to a
// temporary sibling that is renamed over the target, so a crash leaves
// either the previous or the new snapshot in place.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Load(_ context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cleanupLegacy()

	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, ioErr("load", b.path, err)
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, corruptErr("load", b.path, err)
	}
	return snap, nil
}

func (b *FileBackend) Save(_ context.Context, snap *Snapshot) error {
	if snap == nil {
		snap = NewSnapshot()
	}
	data, err := encodeSnapshot(snap)
	if err != nil {
		return ioErr("save", b.path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if dir := filepath.Dir(b.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ioErr("save", b.path, err)
		}
	}

	tmp := b.path + tempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return ioErr("save", b.path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return ioErr("save", b.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ioErr("save", b.path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ioErr("save", b.path, err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return ioErr("save", b.path, err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }

// cleanupLegacy handles files left by older releases and interrupted saves.
// A backup-suffixed snapshot is promoted when no canonical file exists and
// deleted otherwise. A leftover temporary file is always discarded.
func (b *FileBackend) cleanupLegacy() {
	legacy := b.path + legacySuffix
	if _, err := os.Stat(legacy); err == nil {
		if _, err := os.Stat(b.path); errors.Is(err, os.ErrNotExist) {
			if err := os.Rename(legacy, b.path); err != nil {
				logger.WarnCF("correlation", "Failed to migrate legacy snapshot", map[string]any{
					"path":  legacy,
					"error": err.Error(),
				})
			} else {
				logger.InfoCF("correlation", "Migrated legacy snapshot", map[string]any{"path": legacy})
			}
		} else if err := os.Remove(legacy); err != nil {
			logger.WarnCF("correlation", "Failed to remove legacy snapshot", map[string]any{
				"path":  legacy,
				"error": err.Error(),
			})
		} else {
			logger.InfoCF("correlation", "Removed legacy snapshot", map[string]any{"path": legacy})
		}
	}

	tmp := b.path + tempSuffix
	if err := os.Remove(tmp); err == nil {
		logger.DebugCF("correlation", "Removed stale temporary snapshot", map[string]any{"path": tmp})
	}
}
