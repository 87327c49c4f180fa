package bus

import (
	"time"

	"github.com/tinyland-inc/picobridge/pkg/identity"
)

// EventKind is the lifecycle action observed on the origin platform.
type EventKind string

const (
	EventNew    EventKind = "new"
	EventEdit   EventKind = "edit"
	EventRemove EventKind = "remove"
)

// Sender describes the author of an origin message as shown on mirrors.
type Sender struct {
	AccountURI  string `json:"account_uri,omitempty"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url,omitempty"`
}

type Attachment struct {
	Type string `json:"type"` // "image" | "file" | "sticker" | ...
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Content is the platform neutral body relayed to mirrors.
type Content struct {
	Sender      Sender             `json:"sender"`
	Text        string             `json:"text"`
	Attachments []Attachment       `json:"attachments,omitempty"`
	Reply       *identity.OriginID `json:"reply,omitempty"`
}

// Event is a normalized inbound message event.
// SenderID is the platform account that authored it, used for echo checks.
type Event struct {
	Kind       EventKind         `json:"kind"`
	Origin     identity.OriginID `json:"origin"`
	SenderID   string            `json:"sender_id"`
	Content    Content           `json:"content"`
	ReceivedAt time.Time         `json:"received_at"`
}
