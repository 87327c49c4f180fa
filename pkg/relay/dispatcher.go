package relay

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

const (
	DefaultWorkers   = 8
	DefaultQueueSize = 100
)

// Stats are the dispatcher counters since start.
type Stats struct {
	Received   int64 `json:"received"`
	SelfEchoes int64 `json:"self_echoes"`
	Unknown    int64 `json:"unknown_platform"`
	Dispatched int64 `json:"dispatched"`
	Settled    int64 `json:"settled"`
	Failed     int64 `json:"failed"`
	InFlight   int64 `json:"in_flight"`
	Queued     int64 `json:"queued"`
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize sets the per-worker queue depth.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// Dispatcher consumes bus events and hands them to a Strategy. Events for the
// same origin always land on the same worker, so they are applied in arrival
// order; different origins proceed concurrently.
type Dispatcher struct {
	bus       *bus.MessageBus
	platforms PlatformSource
	strategy  Strategy
	workers   int
	queueSize int

	received   atomic.Int64
	selfEchoes atomic.Int64
	unknown    atomic.Int64
	dispatched atomic.Int64
	settled    atomic.Int64
	failed     atomic.Int64
	inFlight   atomic.Int64
	queued     atomic.Int64
}

func NewDispatcher(b *bus.MessageBus, src PlatformSource, strategy Strategy, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bus:       b,
		platforms: src,
		strategy:  strategy,
		workers:   DefaultWorkers,
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes the bus until ctx is cancelled or the bus is closed. Events
// already handed to a worker are still processed before Run returns.
func (d *Dispatcher) Run(ctx context.Context) {
	work := context.WithoutCancel(ctx)
	shards := make([]chan bus.Event, d.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan bus.Event, d.queueSize)
		wg.Add(1)
		go func(ch <-chan bus.Event) {
			defer wg.Done()
			for ev := range ch {
				d.queued.Add(-1)
				_ = d.process(work, ev)
			}
		}(shards[i])
	}

	logger.InfoCF("relay", "Dispatcher started", map[string]any{
		"workers": d.workers,
	})

loop:
	for {
		ev, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		if !d.admit(ev) {
			continue
		}
		d.queued.Add(1)
		select {
		case shards[shardFor(ev.Origin, d.workers)] <- ev:
		case <-ctx.Done():
			d.queued.Add(-1)
			break loop
		}
	}

	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()
	logger.InfoCF("relay", "Dispatcher stopped", map[string]any{
		"settled": d.settled.Load(),
		"failed":  d.failed.Load(),
	})
}

// Handle processes one event synchronously on the caller's goroutine.
func (d *Dispatcher) Handle(ctx context.Context, ev bus.Event) error {
	if !d.admit(ev) {
		return nil
	}
	return d.process(ctx, ev)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:   d.received.Load(),
		SelfEchoes: d.selfEchoes.Load(),
		Unknown:    d.unknown.Load(),
		Dispatched: d.dispatched.Load(),
		Settled:    d.settled.Load(),
		Failed:     d.failed.Load(),
		InFlight:   d.inFlight.Load(),
		Queued:     d.queued.Load(),
	}
}

// admit drops events from unknown platforms and the bridge's own messages.
func (d *Dispatcher) admit(ev bus.Event) bool {
	d.received.Add(1)
	p, ok := d.platforms.Get(ev.Origin.Platform)
	if !ok {
		d.unknown.Add(1)
		logger.WarnCF("relay", "Event from unknown platform dropped", map[string]any{
			"platform": ev.Origin.Platform,
		})
		return false
	}
	if self := p.SelfID(); self != "" && ev.SenderID == self {
		d.selfEchoes.Add(1)
		return false
	}
	return true
}

func (d *Dispatcher) process(ctx context.Context, ev bus.Event) error {
	d.dispatched.Add(1)
	d.inFlight.Add(1)
	defer func() {
		d.inFlight.Add(-1)
		d.settled.Add(1)
	}()

	var err error
	switch ev.Kind {
	case bus.EventNew:
		err = d.strategy.HandleNew(ctx, ev)
	case bus.EventEdit:
		err = d.strategy.HandleEdit(ctx, ev)
	case bus.EventRemove:
		err = d.strategy.HandleRemove(ctx, ev)
	default:
		err = fmt.Errorf("unknown event kind %q", ev.Kind)
		logger.WarnCF("relay", "Unknown event kind", map[string]any{
			"kind":   string(ev.Kind),
			"origin": ev.Origin.Key(),
		})
	}
	if err != nil {
		d.failed.Add(1)
	}
	return err
}

func shardFor(origin identity.OriginID, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(origin.Key()))
	return int(h.Sum32() % uint32(n))
}
