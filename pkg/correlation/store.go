// Package correlation keeps the mapping from an origin message to the mirror
// messages the bridge created for it, with time based expiry and snapshot
// persistence.
package correlation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

const DefaultRetention = 24 * time.Hour

// Entry is one correlation: an origin and its mirrors in destination order.
type Entry struct {
	Origin    identity.OriginID
	Mirrors   []identity.MirrorID
	CreatedAt time.Time
}

func (e Entry) clone() Entry {
	mirrors := make([]identity.MirrorID, len(e.Mirrors))
	for i, m := range e.Mirrors {
		mirrors[i] = m
		if len(m.AdditionalIDs) > 0 {
			mirrors[i].AdditionalIDs = append([]string(nil), m.AdditionalIDs...)
		}
	}
	return Entry{Origin: e.Origin, Mirrors: mirrors, CreatedAt: e.CreatedAt}
}

// Store is safe for concurrent use. Mutations take the write lock, lookups
// share the read lock, and persistence works on a clone taken under the
// read lock so no lock is held during I/O.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	retention time.Duration
	now       func() time.Time
	backend   Backend
	strict    bool
}

type Option func(*Store)

// WithRetention sets how long an entry survives after creation.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock replaces the wall clock used to stamp new entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBackend attaches snapshot persistence. A store without a backend runs
// cache-only: Snapshot and Load become no-ops.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithStrictLoad makes Load fail on an unreadable snapshot instead of
// starting empty.
func WithStrictLoad(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:   make(map[string]Entry),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Retention() time.Duration { return s.retention }

func (s *Store) CacheOnly() bool { return s.backend == nil }

// RecordNew stores the mirrors created for origin. Recording an origin twice
// fails with ErrDuplicateOrigin and leaves the first entry untouched.
func (s *Store) RecordNew(origin identity.OriginID, mirrors []identity.MirrorID) error {
	if err := origin.Validate(); err != nil {
		return err
	}
	if len(mirrors) == 0 {
		return ErrEmptyMirrors
	}
	for _, m := range mirrors {
		if err := m.Validate(); err != nil {
			return err
		}
	}

	key := origin.Key()
	entry := Entry{Origin: origin, Mirrors: mirrors, CreatedAt: s.now()}.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		return ErrDuplicateOrigin
	}
	s.entries[key] = entry
	return nil
}

// Lookup returns a copy of the entry for origin.
func (s *Store) Lookup(origin identity.OriginID) (Entry, error) {
	s.mu.RLock()
	entry, ok := s.entries[origin.Key()]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry.clone(), nil
}

// Remove deletes the entry for origin if present.
func (s *Store) Remove(origin identity.OriginID) {
	s.mu.Lock()
	delete(s.entries, origin.Key())
	s.mu.Unlock()
}

// EvictExpired drops every entry older than the retention window relative
// to now and returns how many were removed.
func (s *Store) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if now.Sub(e.CreatedAt) > s.retention {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a copy of every entry, in no particular order.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	return out
}

// Export builds a snapshot of the current contents.
func (s *Store) Export() *Snapshot {
	snap := NewSnapshot()
	s.mu.RLock()
	for _, e := range s.entries {
		snap.put(e)
	}
	s.mu.RUnlock()
	return snap
}

// Snapshot persists the current contents through the backend.
func (s *Store) Snapshot(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	snap := s.Export()
	if err := s.backend.Save(ctx, snap); err != nil {
		var se *SnapshotError
		if errors.As(err, &se) {
			return err
		}
		return ioErr("save", "", err)
	}
	return nil
}

// Load replaces the contents with the persisted snapshot. A missing snapshot
// yields an empty store. An unreadable one also yields an empty store unless
// strict loading is enabled, in which case the error is returned.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	snap, err := s.backend.Load(ctx)
	if err != nil {
		var se *SnapshotError
		if !errors.As(err, &se) {
			err = ioErr("load", "", err)
		}
		if s.strict {
			return err
		}
		logger.WarnCF("correlation", "Snapshot unreadable, starting empty", map[string]any{
			"error": err.Error(),
		})
		s.replace(nil)
		return nil
	}

	entries, errs := snap.Entries(s.now())
	if len(errs) > 0 {
		if s.strict {
			return corruptErr("load", "", errors.Join(errs...))
		}
		logger.WarnCF("correlation", "Skipped undecodable snapshot entries", map[string]any{
			"skipped": len(errs),
			"error":   errs[0].Error(),
		})
	}
	s.replace(entries)
	logger.InfoCF("correlation", "Snapshot loaded", map[string]any{"entries": len(entries)})
	return nil
}

func (s *Store) replace(entries []Entry) {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Origin.Key()] = e
	}
	s.mu.Lock()
	s.entries = m
	s.mu.Unlock()
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
