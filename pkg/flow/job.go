// Package flow runs relay work as durable parent/child jobs. A parent job
// represents one origin event; each child performs a single adapter call.
// Children are persisted before and after they run, so a restart only
// repeats the calls that had not finished.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/relay"
)

var ErrJobNotFound = errors.New("job not found")

// Status represents the current state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a job with this status will not run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Kind string

const (
	KindFanoutNew    Kind = "fanout.new"
	KindFanoutEdit   Kind = "fanout.edit"
	KindFanoutRemove Kind = "fanout.remove"

	KindMessageCreate Kind = "message.create"
	KindMessageEdit   Kind = "message.edit"
	KindMessageDelete Kind = "message.delete"
)

// Job is one unit of work. Parents have an empty ParentID; children are
// ordered by Index, which follows destination or stored mirror order.
type Job struct {
	ID        string
	ParentID  string
	Kind      Kind
	Index     int
	Status    Status
	Attempts  int
	Payload   []byte
	Result    []byte
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type parentPayload struct {
	Event bus.Event `json:"event"`
}

type childPayload struct {
	Destination *relay.Destination `json:"destination,omitempty"`
	Mirror      *identity.MirrorID `json:"mirror,omitempty"`
}

func newJobID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func newParent(kind Kind, ev bus.Event, now time.Time) (Job, error) {
	payload, err := json.Marshal(parentPayload{Event: ev})
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Job{
		ID:        newJobID(),
		Kind:      kind,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func newChild(parent Job, kind Kind, index int, p childPayload) (Job, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Job{
		ID:        newJobID(),
		ParentID:  parent.ID,
		Kind:      kind,
		Index:     index,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: parent.CreatedAt,
		UpdatedAt: parent.CreatedAt,
	}, nil
}

func (j Job) event() (bus.Event, error) {
	var p parentPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return bus.Event{}, fmt.Errorf("decode job %s: %w", j.ID, err)
	}
	return p.Event, nil
}

func (j Job) child() (childPayload, error) {
	var p childPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return childPayload{}, fmt.Errorf("decode job %s: %w", j.ID, err)
	}
	return p, nil
}

// mirror decodes the MirrorID a completed create child produced.
func (j Job) mirror() (identity.MirrorID, error) {
	var m identity.MirrorID
	if err := json.Unmarshal(j.Result, &m); err != nil {
		return identity.MirrorID{}, fmt.Errorf("decode job %s result: %w", j.ID, err)
	}
	return m, m.Validate()
}
