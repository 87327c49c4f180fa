package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/logger"
	"github.com/tinyland-inc/picobridge/pkg/relay"
)

const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 1
	DefaultRetryDelay  = 250 * time.Millisecond
)

var ErrNotStarted = errors.New("flow orchestrator not started")

type Option func(*Orchestrator)

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMaxAttempts sets how many times a child runs before it is failed.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the base delay between attempts; attempt n waits n times it.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.retryDelay = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type task struct {
	ctx context.Context
	job Job
	wg  *sync.WaitGroup
}

// Orchestrator is the durable relay strategy. Every event becomes a parent
// job with one child per adapter call; the parent settles once all
// children are terminal and its outcome is written to the correlation
// store in child index order.
type Orchestrator struct {
	routing     *relay.Routing
	exec        *relay.Executor
	jobs        JobStore
	policy      relay.Policy
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	queue   chan task
	running bool
	wg      sync.WaitGroup
}

func NewOrchestrator(routing *relay.Routing, exec *relay.Executor, jobs JobStore, policy relay.Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		routing:     routing,
		exec:        exec,
		jobs:        jobs,
		policy:      policy,
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.queue = make(chan task, o.workers)
	o.running = true
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(o.queue)
	}
	logger.InfoCF("flow", "Flow workers started", map[string]any{
		"workers":      o.workers,
		"max_attempts": o.maxAttempts,
	})
}

// Stop waits for queued children to finish and stops the workers.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.queue)
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) HandleNew(ctx context.Context, ev bus.Event) error {
	dests := o.routing.Destinations(ev.Origin.Platform, ev.Origin.RoomID)
	if len(dests) == 0 {
		return nil
	}
	parent, err := newParent(KindFanoutNew, ev, o.now())
	if err != nil {
		return err
	}
	children := make([]Job, 0, len(dests))
	for i := range dests {
		c, err := newChild(parent, KindMessageCreate, i, childPayload{Destination: &dests[i]})
		if err != nil {
			return err
		}
		children = append(children, c)
	}
	return o.runFlow(ctx, parent, children)
}

func (o *Orchestrator) HandleEdit(ctx context.Context, ev bus.Event) error {
	return o.handleExisting(ctx, ev, KindFanoutEdit, KindMessageEdit)
}

func (o *Orchestrator) HandleRemove(ctx context.Context, ev bus.Event) error {
	return o.handleExisting(ctx, ev, KindFanoutRemove, KindMessageDelete)
}

func (o *Orchestrator) handleExisting(ctx context.Context, ev bus.Event, parentKind, childKind Kind) error {
	entry, err := o.exec.Store().Lookup(ev.Origin)
	if err != nil {
		logger.DebugCF("flow", "No mirrors recorded for origin, dropping", map[string]any{
			"origin": ev.Origin.Key(),
			"kind":   string(ev.Kind),
		})
		return nil
	}
	parent, err := newParent(parentKind, ev, o.now())
	if err != nil {
		return err
	}
	children := make([]Job, 0, len(entry.Mirrors))
	for i := range entry.Mirrors {
		c, err := newChild(parent, childKind, i, childPayload{Mirror: &entry.Mirrors[i]})
		if err != nil {
			return err
		}
		children = append(children, c)
	}
	return o.runFlow(ctx, parent, children)
}

func (o *Orchestrator) runFlow(ctx context.Context, parent Job, children []Job) error {
	if err := o.jobs.CreateFlow(ctx, parent, children); err != nil {
		return fmt.Errorf("create flow: %w", err)
	}
	return o.drive(ctx, parent)
}

// drive runs every non-terminal child of parent, then finalizes it.
func (o *Orchestrator) drive(ctx context.Context, parent Job) error {
	children, err := o.jobs.Children(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("load children of %s: %w", parent.ID, err)
	}

	parent.Status = StatusRunning
	parent.UpdatedAt = o.now()
	if err := o.jobs.Update(ctx, parent); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, c := range children {
		if c.Status.Terminal() {
			continue
		}
		wg.Add(1)
		if err := o.submit(task{ctx: ctx, job: c, wg: &wg}); err != nil {
			wg.Done()
			wg.Wait()
			return err
		}
	}
	wg.Wait()

	children, err = o.jobs.Children(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("load children of %s: %w", parent.ID, err)
	}
	return o.finalize(ctx, parent, children)
}

func (o *Orchestrator) submit(t task) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.running {
		return ErrNotStarted
	}
	select {
	case o.queue <- t:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

func (o *Orchestrator) worker(queue <-chan task) {
	defer o.wg.Done()
	for t := range queue {
		o.runChild(t.ctx, t.job)
		t.wg.Done()
	}
}

// runChild executes one child until it succeeds or runs out of attempts.
// Its state is persisted before and after every attempt.
func (o *Orchestrator) runChild(ctx context.Context, job Job) {
	parent, err := o.jobs.Get(ctx, job.ParentID)
	if err != nil {
		o.failChild(ctx, job, err)
		return
	}
	ev, err := parent.event()
	if err != nil {
		o.failChild(ctx, job, err)
		return
	}
	payload, err := job.child()
	if err != nil {
		o.failChild(ctx, job, err)
		return
	}

	for job.Attempts < o.maxAttempts {
		if job.Attempts > 0 && o.retryDelay > 0 {
			select {
			case <-time.After(time.Duration(job.Attempts) * o.retryDelay):
			case <-ctx.Done():
				o.failChild(ctx, job, ctx.Err())
				return
			}
		}
		job.Attempts++
		job.Status = StatusRunning
		job.UpdatedAt = o.now()
		if err := o.jobs.Update(ctx, job); err != nil {
			logger.WarnCF("flow", "Failed to persist job state", map[string]any{
				"job":   job.ID,
				"error": err.Error(),
			})
		}

		result, err := o.call(ctx, job.Kind, ev, payload)
		if err == nil {
			job.Status = StatusCompleted
			job.Result = result
			job.Error = ""
			job.UpdatedAt = o.now()
			if err := o.jobs.Update(ctx, job); err != nil {
				logger.ErrorCF("flow", "Failed to persist job result", map[string]any{
					"job":   job.ID,
					"error": err.Error(),
				})
			}
			return
		}
		job.Error = err.Error()
		logger.WarnCF("flow", "Job attempt failed", map[string]any{
			"job":      job.ID,
			"kind":     string(job.Kind),
			"attempt":  job.Attempts,
			"error":    err.Error(),
			"origin":   ev.Origin.Key(),
			"terminal": job.Attempts >= o.maxAttempts,
		})
	}
	o.failChild(ctx, job, errors.New(job.Error))
}

func (o *Orchestrator) call(ctx context.Context, kind Kind, ev bus.Event, p childPayload) ([]byte, error) {
	switch kind {
	case KindMessageCreate:
		if p.Destination == nil {
			return nil, errors.New("create job without destination")
		}
		m, err := o.exec.Create(ctx, ev, *p.Destination)
		if err != nil {
			return nil, err
		}
		return json.Marshal(m)
	case KindMessageEdit:
		if p.Mirror == nil {
			return nil, errors.New("edit job without mirror")
		}
		return nil, o.exec.Edit(ctx, ev, *p.Mirror)
	case KindMessageDelete:
		if p.Mirror == nil {
			return nil, errors.New("delete job without mirror")
		}
		return nil, o.exec.Delete(ctx, *p.Mirror)
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}

func (o *Orchestrator) failChild(ctx context.Context, job Job, err error) {
	job.Status = StatusFailed
	job.Error = err.Error()
	job.UpdatedAt = o.now()
	if uerr := o.jobs.Update(ctx, job); uerr != nil {
		logger.ErrorCF("flow", "Failed to persist job failure", map[string]any{
			"job":   job.ID,
			"error": uerr.Error(),
		})
	}
}

// finalize writes the parent's aggregate outcome and deletes the flow.
func (o *Orchestrator) finalize(ctx context.Context, parent Job, children []Job) error {
	ev, err := parent.event()
	if err != nil {
		_ = o.jobs.DeleteFlow(ctx, parent.ID)
		return err
	}

	var failed []error
	var mirrors []identity.MirrorID
	for _, c := range children {
		if c.Status != StatusCompleted {
			logger.ErrorCF("flow", "Mirror job failed", map[string]any{
				"origin": ev.Origin.Key(),
				"kind":   string(c.Kind),
				"index":  c.Index,
				"error":  c.Error,
			})
			failed = append(failed, fmt.Errorf("%s #%d: %s", c.Kind, c.Index, c.Error))
			continue
		}
		if c.Kind == KindMessageCreate {
			m, err := c.mirror()
			if err != nil {
				failed = append(failed, err)
				continue
			}
			mirrors = append(mirrors, m)
		}
	}
	failure := errors.Join(failed...)

	// Strict escalation may exit the process, so the flow is settled first
	// and a restart does not replay it.
	var outcome, escalate error
	switch parent.Kind {
	case KindFanoutNew:
		outcome, escalate = o.recordNew(ev, mirrors, failure)
	case KindFanoutEdit:
		outcome, escalate = failure, failure
	case KindFanoutRemove:
		o.exec.Store().Remove(ev.Origin)
		outcome, escalate = failure, failure
	default:
		outcome = fmt.Errorf("unknown flow kind %q", parent.Kind)
	}

	if err := o.jobs.DeleteFlow(ctx, parent.ID); err != nil {
		logger.WarnCF("flow", "Failed to delete finished flow", map[string]any{
			"flow":  parent.ID,
			"error": err.Error(),
		})
	}
	o.policy.Escalate(escalate)
	return outcome
}

// recordNew returns the flow outcome and the error to escalate, if any.
func (o *Orchestrator) recordNew(ev bus.Event, mirrors []identity.MirrorID, failure error) (error, error) {
	if failure != nil && !o.policy.Failsafe {
		return failure, failure
	}
	if len(mirrors) == 0 {
		logger.WarnCF("flow", "Every destination failed, nothing recorded", map[string]any{
			"origin": ev.Origin.Key(),
		})
		return relay.ErrNoMirrors, nil
	}
	if err := o.exec.Store().RecordNew(ev.Origin, mirrors); err != nil {
		logger.ErrorCF("flow", "Failed to record mirrors", map[string]any{
			"origin": ev.Origin.Key(),
			"error":  err.Error(),
		})
		return fmt.Errorf("record %s: %w", ev.Origin.Key(), err), nil
	}
	return failure, nil
}

// Resume finishes flows left over from a previous run. Children that were
// interrupted mid-call are run again; completed children are not.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	parents, err := o.jobs.UnfinishedParents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished flows: %w", err)
	}
	for _, parent := range parents {
		children, err := o.jobs.Children(ctx, parent.ID)
		if err != nil {
			return 0, err
		}
		for _, c := range children {
			if c.Status == StatusRunning {
				// The interrupted attempt does not count.
				c.Status = StatusPending
				c.Attempts = max(c.Attempts-1, 0)
				c.UpdatedAt = o.now()
				if err := o.jobs.Update(ctx, c); err != nil {
					return 0, err
				}
			}
		}
		logger.InfoCF("flow", "Resuming flow", map[string]any{
			"flow":     parent.ID,
			"kind":     string(parent.Kind),
			"children": len(children),
		})
		if err := o.drive(ctx, parent); errors.Is(err, ErrNotStarted) {
			return 0, err
		}
	}
	return len(parents), nil
}
