package relay

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/correlation"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

// DefaultFanoutLimit bounds concurrent adapter calls for a single event.
const DefaultFanoutLimit = 4

// ErrNoMirrors is returned when every destination of a new message failed.
var ErrNoMirrors = errors.New("no mirror created")

type FanoutOption func(*Fanout)

// WithFanoutLimit caps concurrent adapter calls per event.
func WithFanoutLimit(n int) FanoutOption {
	return func(f *Fanout) {
		if n > 0 {
			f.limit = n
		}
	}
}

// Fanout is the in-process strategy: it calls every destination directly
// and records the outcome before returning.
type Fanout struct {
	routing *Routing
	exec    *Executor
	policy  Policy
	limit   int
}

func NewFanout(routing *Routing, exec *Executor, policy Policy, opts ...FanoutOption) *Fanout {
	f := &Fanout{
		routing: routing,
		exec:    exec,
		policy:  policy,
		limit:   DefaultFanoutLimit,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fanout) HandleNew(ctx context.Context, ev bus.Event) error {
	dests := f.routing.Destinations(ev.Origin.Platform, ev.Origin.RoomID)
	if len(dests) == 0 {
		logger.DebugCF("relay", "No destinations for room", map[string]any{
			"origin": ev.Origin.Key(),
		})
		return nil
	}

	created := make([]identity.MirrorID, len(dests))
	errs := make([]error, len(dests))
	f.each(len(dests), func(i int) {
		created[i], errs[i] = f.exec.Create(ctx, ev, dests[i])
	})

	var mirrors []identity.MirrorID
	var failed []error
	for i, d := range dests {
		if errs[i] != nil {
			logger.ErrorCF("relay", "Mirror create failed", map[string]any{
				"origin":      ev.Origin.Key(),
				"destination": d.Platform + "/" + d.RoomID,
				"error":       errs[i].Error(),
			})
			failed = append(failed, errs[i])
			continue
		}
		mirrors = append(mirrors, created[i])
	}

	if len(failed) > 0 && !f.policy.Failsafe {
		err := errors.Join(failed...)
		f.policy.Escalate(err)
		return err
	}
	if len(mirrors) == 0 {
		logger.WarnCF("relay", "Every destination failed, nothing recorded", map[string]any{
			"origin": ev.Origin.Key(),
		})
		return ErrNoMirrors
	}
	if err := f.exec.Store().RecordNew(ev.Origin, mirrors); err != nil {
		logger.ErrorCF("relay", "Failed to record mirrors", map[string]any{
			"origin": ev.Origin.Key(),
			"error":  err.Error(),
		})
		return fmt.Errorf("record %s: %w", ev.Origin.Key(), err)
	}

	logger.DebugCF("relay", "Message mirrored", map[string]any{
		"origin":  ev.Origin.Key(),
		"mirrors": len(mirrors),
		"failed":  len(failed),
	})
	return errors.Join(failed...)
}

func (f *Fanout) HandleEdit(ctx context.Context, ev bus.Event) error {
	entry, ok := f.lookup(ev)
	if !ok {
		return nil
	}

	errs := make([]error, len(entry.Mirrors))
	f.each(len(entry.Mirrors), func(i int) {
		errs[i] = f.exec.Edit(ctx, ev, entry.Mirrors[i])
	})
	return f.settle(ev, "edit", entry.Mirrors, errs)
}

func (f *Fanout) HandleRemove(ctx context.Context, ev bus.Event) error {
	entry, ok := f.lookup(ev)
	if !ok {
		return nil
	}

	errs := make([]error, len(entry.Mirrors))
	f.each(len(entry.Mirrors), func(i int) {
		errs[i] = f.exec.Delete(ctx, entry.Mirrors[i])
	})
	f.exec.Store().Remove(ev.Origin)
	return f.settle(ev, "delete", entry.Mirrors, errs)
}

func (f *Fanout) lookup(ev bus.Event) (correlation.Entry, bool) {
	entry, err := f.exec.Store().Lookup(ev.Origin)
	if err != nil {
		logger.DebugCF("relay", "No mirrors recorded for origin, dropping", map[string]any{
			"origin": ev.Origin.Key(),
			"kind":   string(ev.Kind),
		})
		return correlation.Entry{}, false
	}
	return entry, true
}

// each runs fn for every index with at most limit calls in flight.
func (f *Fanout) each(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(f.limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func (f *Fanout) settle(ev bus.Event, op string, mirrors []identity.MirrorID, errs []error) error {
	var failed []error
	for i, err := range errs {
		if err == nil {
			continue
		}
		logger.ErrorCF("relay", "Mirror "+op+" failed", map[string]any{
			"origin": ev.Origin.Key(),
			"mirror": mirrors[i].Key(),
			"error":  err.Error(),
		})
		failed = append(failed, err)
	}
	err := errors.Join(failed...)
	f.policy.Escalate(err)
	return err
}
