// Package platformtest provides an in-memory Platform for relay tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/platforms"
)

// Call records one request made against a Fake.
type Call struct {
	Op         string
	RoomID     string
	MessageIDs []string
	Text       string
	ReplyTo    string
}

// Fake is a Platform that records calls and fails on demand.
type Fake struct {
	name   string
	selfID string

	mu      sync.Mutex
	running bool
	seq     int
	extra   int
	delay   time.Duration
	fail    map[string]error
	failN   map[string]int
	calls   []Call
}

func New(name string) *Fake {
	return &Fake{name: name, fail: map[string]error{}, failN: map[string]int{}}
}

// WithSelfID sets the id returned by SelfID.
func (f *Fake) WithSelfID(id string) *Fake {
	f.selfID = id
	return f
}

// WithParts makes every created mirror span n messages.
func (f *Fake) WithParts(n int) *Fake {
	if n > 1 {
		f.extra = n - 1
	}
	return f
}

// FailOn makes op ("create", "edit", "delete") return err until cleared with nil.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failN, op)
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// FailNext makes the next n calls of op return err.
func (f *Fake) FailNext(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
	f.failN[op] = n
}

// SetDelay makes every call wait d or until its context ends.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the recorded calls for one op.
func (f *Fake) CallsFor(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Name() string { return f.name }
func (f *Fake) Type() string { return "fake" }
func (f *Fake) SelfID() string { return f.selfID }

func (f *Fake) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *Fake) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *Fake) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Fake) Create(ctx context.Context, roomID string, msg platforms.Outbound) (identity.MirrorID, error) {
	if err := f.begin(ctx, Call{Op: "create", RoomID: roomID, Text: msg.Content.Text, ReplyTo: msg.ReplyTo}); err != nil {
		return identity.MirrorID{}, err
	}
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("%s-%d", f.name, f.seq)
	var additional []string
	for i := 1; i <= f.extra; i++ {
		additional = append(additional, fmt.Sprintf("%s.%d", id, i))
	}
	f.mu.Unlock()
	return identity.NewMirrorID(f.name, roomID, id, additional...)
}

func (f *Fake) Edit(ctx context.Context, mirror identity.MirrorID, msg platforms.Outbound) error {
	return f.begin(ctx, Call{Op: "edit", RoomID: mirror.RoomID, MessageIDs: mirror.AllMessageIDs(), Text: msg.Content.Text})
}

func (f *Fake) Delete(ctx context.Context, mirror identity.MirrorID) error {
	return f.begin(ctx, Call{Op: "delete", RoomID: mirror.RoomID, MessageIDs: mirror.AllMessageIDs()})
}

func (f *Fake) begin(ctx context.Context, c Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	delay := f.delay
	err := f.fail[c.Op]
	if n, limited := f.failN[c.Op]; limited && err != nil {
		if n <= 1 {
			delete(f.fail, c.Op)
			delete(f.failN, c.Op)
		} else {
			f.failN[c.Op] = n - 1
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &platforms.AdapterError{Platform: f.name, Op: c.Op, Err: ctx.Err()}
		}
	}
	if err != nil {
		return &platforms.AdapterError{Platform: f.name, Op: c.Op, Err: err}
	}
	return nil
}
