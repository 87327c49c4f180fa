// Package identity defines the message identities exchanged between the
// relay, the correlation store and the platform adapters, together with
// their canonical string keys.
package identity

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrMalformedKey    = errors.New("malformed identity key")
)

const keySeparator = ":"

// OriginID identifies a message as first authored on a platform.
type OriginID struct {
	Platform  string `json:"platform"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// MirrorID identifies a message the bridge posted on a destination platform.
// AdditionalIDs holds extra platform messages created for the same mirror,
// e.g. continuation chunks of a split message.
type MirrorID struct {
	Platform      string   `json:"platform"`
	RoomID        string   `json:"room_id"`
	MessageID     string   `json:"message_id"`
	AdditionalIDs []string `json:"additional_ids,omitempty"`
}

func NewOriginID(platform, roomID, messageID string) (OriginID, error) {
	id := OriginID{Platform: platform, RoomID: roomID, MessageID: messageID}
	if err := id.Validate(); err != nil {
		return OriginID{}, err
	}
	return id, nil
}

func NewMirrorID(platform, roomID, messageID string, additional ...string) (MirrorID, error) {
	id := MirrorID{Platform: platform, RoomID: roomID, MessageID: messageID}
	if len(additional) > 0 {
		id.AdditionalIDs = append([]string(nil), additional...)
	}
	if err := id.Validate(); err != nil {
		return MirrorID{}, err
	}
	return id, nil
}

func (o OriginID) Validate() error {
	return requireFields(o.Platform, o.RoomID, o.MessageID)
}

func (m MirrorID) Validate() error {
	if err := requireFields(m.Platform, m.RoomID, m.MessageID); err != nil {
		return err
	}
	for i, extra := range m.AdditionalIDs {
		if extra == "" {
			return fmt.Errorf("%w: additional id %d is empty", ErrInvalidIdentity, i)
		}
	}
	return nil
}

func requireFields(platform, roomID, messageID string) error {
	switch {
	case platform == "":
		return fmt.Errorf("%w: platform is empty", ErrInvalidIdentity)
	case roomID == "":
		return fmt.Errorf("%w: room id is empty", ErrInvalidIdentity)
	case messageID == "":
		return fmt.Errorf("%w: message id is empty", ErrInvalidIdentity)
	}
	return nil
}

// Key returns the canonical string form used as the correlation store key.
func (o OriginID) Key() string {
	return joinKey(o.Platform, o.RoomID, o.MessageID)
}

func (o OriginID) String() string { return o.Key() }

// Key returns the canonical string form of the mirror, additional ids
// appended as trailing fields.
func (m MirrorID) Key() string {
	fields := make([]string, 0, 3+len(m.AdditionalIDs))
	fields = append(fields, m.Platform, m.RoomID, m.MessageID)
	fields = append(fields, m.AdditionalIDs...)
	return joinKey(fields...)
}

func (m MirrorID) String() string { return m.Key() }

// AllMessageIDs returns the primary message id followed by any additional ids.
func (m MirrorID) AllMessageIDs() []string {
	ids := make([]string, 0, 1+len(m.AdditionalIDs))
	ids = append(ids, m.MessageID)
	return append(ids, m.AdditionalIDs...)
}

// Equal reports whether two mirrors refer to the same platform messages.
func (m MirrorID) Equal(other MirrorID) bool {
	if m.Platform != other.Platform || m.RoomID != other.RoomID || m.MessageID != other.MessageID {
		return false
	}
	if len(m.AdditionalIDs) != len(other.AdditionalIDs) {
		return false
	}
	for i := range m.AdditionalIDs {
		if m.AdditionalIDs[i] != other.AdditionalIDs[i] {
			return false
		}
	}
	return true
}

func ParseOriginKey(key string) (OriginID, error) {
	fields, err := splitKey(key)
	if err != nil {
		return OriginID{}, err
	}
	if len(fields) != 3 {
		return OriginID{}, fmt.Errorf("%w: origin key %q has %d fields", ErrMalformedKey, key, len(fields))
	}
	return OriginID{Platform: fields[0], RoomID: fields[1], MessageID: fields[2]}, nil
}

func ParseMirrorKey(key string) (MirrorID, error) {
	fields, err := splitKey(key)
	if err != nil {
		return MirrorID{}, err
	}
	if len(fields) < 3 {
		return MirrorID{}, fmt.Errorf("%w: mirror key %q has %d fields", ErrMalformedKey, key, len(fields))
	}
	m := MirrorID{Platform: fields[0], RoomID: fields[1], MessageID: fields[2]}
	if len(fields) > 3 {
		m.AdditionalIDs = fields[3:]
	}
	return m, nil
}

func joinKey(fields ...string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = url.QueryEscape(f)
	}
	return strings.Join(escaped, keySeparator)
}

func splitKey(key string) ([]string, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrMalformedKey)
	}
	parts := strings.Split(key, keySeparator)
	for i, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: key %q has empty field %d", ErrMalformedKey, key, i)
		}
		v, err := url.QueryUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrMalformedKey, key, err)
		}
		parts[i] = v
	}
	return parts, nil
}
