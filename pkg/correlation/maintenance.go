package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tinyland-inc/picobridge/pkg/logger"
)

const (
	DefaultSaveInterval = 600 * time.Second
	finalFlushTimeout   = 30 * time.Second
)

// Maintainer periodically evicts expired entries and snapshots the store.
// Cycles run either on a fixed interval or on a cron schedule.
type Maintainer struct {
	store    *Store
	interval time.Duration
	schedule string
	now      func() time.Time
}

// NewMaintainer validates the schedule eagerly. An empty schedule uses the
// interval, and a non-positive interval falls back to DefaultSaveInterval.
func NewMaintainer(store *Store, interval time.Duration, schedule string) (*Maintainer, error) {
	if schedule != "" && !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid maintenance schedule %q", schedule)
	}
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	return &Maintainer{store: store, interval: interval, schedule: schedule, now: time.Now}, nil
}

// RunOnce evicts then snapshots. A failed save is logged and returned; the
// next cycle retries with fresh contents.
func (m *Maintainer) RunOnce(ctx context.Context, now time.Time) error {
	evicted := m.store.EvictExpired(now)
	if evicted > 0 {
		logger.InfoCF("correlation", "Evicted expired entries", map[string]any{
			"evicted":   evicted,
			"remaining": m.store.Len(),
		})
	}
	if err := m.store.Snapshot(ctx); err != nil {
		logger.ErrorCF("correlation", "Snapshot failed", map[string]any{"error": err.Error()})
		return err
	}
	if !m.store.CacheOnly() {
		logger.DebugCF("correlation", "Snapshot written", map[string]any{"entries": m.store.Len()})
	}
	return nil
}

// Run blocks until ctx is cancelled, then performs one final synchronous
// cycle so pending state reaches the backend before shutdown.
func (m *Maintainer) Run(ctx context.Context) {
	for {
		wait := m.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.flush()
			return
		case <-timer.C:
			_ = m.RunOnce(ctx, m.now())
		}
	}
}

func (m *Maintainer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := m.RunOnce(ctx, m.now()); err == nil {
		logger.InfoCF("correlation", "Final snapshot flushed", map[string]any{"entries": m.store.Len()})
	}
}

func (m *Maintainer) nextWait() time.Duration {
	if m.schedule == "" {
		return m.interval
	}
	now := m.now()
	next, err := gronx.NextTickAfter(m.schedule, now, false)
	if err != nil {
		logger.WarnCF("correlation", "Schedule evaluation failed, using interval", map[string]any{
			"schedule": m.schedule,
			"error":    err.Error(),
		})
		return m.interval
	}
	return next.Sub(now)
}
