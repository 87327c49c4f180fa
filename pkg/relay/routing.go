// Package relay fans origin message events out to their mirror rooms and
// keeps the correlation store in step with what was created.
package relay

import (
	"github.com/tinyland-inc/picobridge/pkg/config"
)

// Destination is one room a message gets mirrored into.
type Destination struct {
	Platform string `json:"platform"`
	RoomID   string `json:"room_id"`
}

// Routing maps an origin room to the rooms it is mirrored into, in
// configured member order. It is read-only once built.
type Routing struct {
	routes map[roomKey][]Destination
}

type roomKey struct {
	platform string
	room     string
}

// NewRouting builds the table from the configured rooms. Every member of a
// room routes to every other member of the same room.
func NewRouting(rooms []config.RoomConfig) *Routing {
	r := &Routing{routes: make(map[roomKey][]Destination)}
	for _, room := range rooms {
		for i, from := range room.Members {
			key := roomKey{platform: from.Platform, room: from.Room.String()}
			for j, to := range room.Members {
				if i == j {
					continue
				}
				r.routes[key] = append(r.routes[key], Destination{
					Platform: to.Platform,
					RoomID:   to.Room.String(),
				})
			}
		}
	}
	return r
}

// Destinations returns a copy of the mirror rooms for an origin room.
func (r *Routing) Destinations(platform, roomID string) []Destination {
	dests := r.routes[roomKey{platform: platform, room: roomID}]
	if len(dests) == 0 {
		return nil
	}
	return append([]Destination(nil), dests...)
}

// Len is the number of origin rooms with at least one destination.
func (r *Routing) Len() int {
	return len(r.routes)
}
