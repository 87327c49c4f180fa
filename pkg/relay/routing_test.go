package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tinyland-inc/picobridge/pkg/config"
)

func lobby() []config.RoomConfig {
	return []config.RoomConfig{{
		Name: "lobby",
		Members: []config.MemberConfig{
			{Platform: "p1", Room: "r1"},
			{Platform: "p2", Room: "r2"},
			{Platform: "p3", Room: "r3"},
		},
	}}
}

func TestRouting_ExcludesOriginInMemberOrder(t *testing.T) {
	r := NewRouting(lobby())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []Destination{{"p1", "r1"}, {"p3", "r3"}}, r.Destinations("p2", "r2"))
	assert.Equal(t, []Destination{{"p2", "r2"}, {"p3", "r3"}}, r.Destinations("p1", "r1"))
}

func TestRouting_UnknownRoom(t *testing.T) {
	r := NewRouting(lobby())
	assert.Nil(t, r.Destinations("p1", "elsewhere"))
	assert.Nil(t, r.Destinations("p9", "r1"))
}

func TestRouting_ReturnsCopy(t *testing.T) {
	r := NewRouting(lobby())
	d := r.Destinations("p1", "r1")
	d[0].RoomID = "mutated"
	assert.Equal(t, "r2", r.Destinations("p1", "r1")[0].RoomID)
}

func TestPolicy_Escalate(t *testing.T) {
	var got error
	strict := Policy{Fatal: func(err error) { got = err }}
	strict.Escalate(nil)
	assert.Nil(t, got)

	strict.Escalate(assert.AnError)
	assert.Equal(t, assert.AnError, got)

	got = nil
	Policy{Failsafe: true, Fatal: func(err error) { got = err }}.Escalate(assert.AnError)
	assert.Nil(t, got)
}
