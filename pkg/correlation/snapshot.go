package correlation

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tinyland-inc/picobridge/pkg/identity"
)

// Snapshot is the persisted form of the store: two maps keyed by canonical
// origin key, one holding canonical mirror keys and one holding the creation
// time in epoch milliseconds.
type Snapshot struct {
	Messages   map[string][]string `msgpack:"messages"   json:"messages"`
	Timestamps map[string]int64    `msgpack:"timestamps" json:"timestamps"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Messages:   map[string][]string{},
		Timestamps: map[string]int64{},
	}
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Messages)
}

func (s *Snapshot) put(e Entry) {
	mirrors := make([]string, len(e.Mirrors))
	for i, m := range e.Mirrors {
		mirrors[i] = m.Key()
	}
	key := e.Origin.Key()
	s.Messages[key] = mirrors
	s.Timestamps[key] = e.CreatedAt.UnixMilli()
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := NewSnapshot()
	for k, v := range s.Messages {
		c.Messages[k] = append([]string(nil), v...)
	}
	for k, v := range s.Timestamps {
		c.Timestamps[k] = v
	}
	return c
}

// Entries decodes the snapshot into store entries. Origins missing a
// timestamp are stamped with fallback. Undecodable keys are returned as
// errors alongside whatever decoded cleanly.
func (s *Snapshot) Entries(fallback time.Time) ([]Entry, []error) {
	if s == nil {
		return nil, nil
	}
	var (
		entries []Entry
		errs    []error
	)
	for originKey, mirrorKeys := range s.Messages {
		origin, err := identity.ParseOriginKey(originKey)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(mirrorKeys) == 0 {
			errs = append(errs, fmt.Errorf("%s: %w", originKey, ErrEmptyMirrors))
			continue
		}
		mirrors := make([]identity.MirrorID, 0, len(mirrorKeys))
		var mirrorErr error
		for _, mk := range mirrorKeys {
			m, err := identity.ParseMirrorKey(mk)
			if err != nil {
				mirrorErr = err
				break
			}
			mirrors = append(mirrors, m)
		}
		if mirrorErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", originKey, mirrorErr))
			continue
		}
		createdAt := fallback
		if ms, ok := s.Timestamps[originKey]; ok {
			createdAt = time.UnixMilli(ms)
		}
		entries = append(entries, Entry{Origin: origin, Mirrors: mirrors, CreatedAt: createdAt})
	}
	return entries, errs
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Messages == nil {
		s.Messages = map[string][]string{}
	}
	if s.Timestamps == nil {
		s.Timestamps = map[string]int64{}
	}
	return &s, nil
}

func encodeMirrorKeys(keys []string) ([]byte, error) {
	return msgpack.Marshal(keys)
}

func decodeMirrorKeys(data []byte) ([]string, error) {
	var keys []string
	if err := msgpack.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}
