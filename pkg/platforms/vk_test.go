package platforms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/identity"
)

// vkAPI fakes the handful of methods the adapter calls and records every
// form it receives.
type vkAPI struct {
	mu     sync.Mutex
	forms  map[string][]map[string]string
	nextID int
	polled bool
}

func (a *vkAPI) record(method string, r *http.Request) map[string]string {
	_ = r.ParseForm()
	form := make(map[string]string, len(r.Form))
	for k := range r.Form {
		form[k] = r.Form.Get(k)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forms[method] = append(a.forms[method], form)
	return form
}

func (a *vkAPI) calls(method string) []map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.forms[method]
}

func writeVK(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func newVKServer(t *testing.T) (*httptest.Server, *vkAPI) {
	t.Helper()
	api := &vkAPI{forms: make(map[string][]map[string]string), nextID: 100}
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/groups.getLongPollServer", func(w http.ResponseWriter, r *http.Request) {
		api.record("groups.getLongPollServer", r)
		writeVK(w, map[string]any{"response": map[string]any{"key": "k", "server": srv.URL + "/poll", "ts": "1"}})
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		first := !api.polled
		api.polled = true
		api.mu.Unlock()
		if !first {
			select {
			case <-r.Context().Done():
			case <-time.After(50 * time.Millisecond):
			}
			writeVK(w, map[string]any{"ts": "2", "updates": []any{}})
			return
		}
		writeVK(w, map[string]any{"ts": "2", "updates": []any{
			map[string]any{"type": "message_new", "object": map[string]any{"message": map[string]any{
				"id": 54, "peer_id": 2000000001, "from_id": -42, "text": "mirrored copy",
			}}},
			map[string]any{"type": "message_new", "object": map[string]any{"message": map[string]any{
				"id": 55, "peer_id": 2000000001, "from_id": 7, "text": "privet",
				"reply_message": map[string]any{"id": 50},
			}}},
		}})
	})
	mux.HandleFunc("/users.get", func(w http.ResponseWriter, r *http.Request) {
		api.record("users.get", r)
		writeVK(w, map[string]any{"response": []any{
			map[string]any{"first_name": "Ivan", "last_name": "Petrov", "screen_name": "ivan"},
		}})
	})
	mux.HandleFunc("/messages.send", func(w http.ResponseWriter, r *http.Request) {
		api.record("messages.send", r)
		api.mu.Lock()
		api.nextID++
		id := api.nextID
		api.mu.Unlock()
		writeVK(w, map[string]any{"response": id})
	})
	mux.HandleFunc("/messages.edit", func(w http.ResponseWriter, r *http.Request) {
		form := api.record("messages.edit", r)
		if form["message_id"] == "403" {
			writeVK(w, map[string]any{"error": map[string]any{"error_code": 15, "error_msg": "Access denied"}})
			return
		}
		writeVK(w, map[string]any{"response": 1})
	})
	mux.HandleFunc("/messages.delete", func(w http.ResponseWriter, r *http.Request) {
		form := api.record("messages.delete", r)
		result := map[string]int{}
		for _, id := range strings.Split(form["message_ids"], ",") {
			if strings.HasPrefix(id, "9") {
				result[id] = 0
			} else {
				result[id] = 1
			}
		}
		writeVK(w, map[string]any{"response": result})
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, api
}

func newVK(t *testing.T, url string, mb *bus.MessageBus) *VKPlatform {
	t.Helper()
	p, err := NewVKPlatform(config.PlatformConfig{ID: "vk", Type: TypeVK, Token: "secret", SelfID: "42", URL: url}, mb)
	require.NoError(t, err)
	return p
}

func TestVK_ReceivesAndDropsCommunityEcho(t *testing.T) {
	srv, api := newVKServer(t)
	mb := bus.NewMessageBus(4)
	p := newVK(t, srv.URL, mb)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(context.Background())
	assert.Equal(t, "-42", p.SelfID())

	ev, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, bus.EventNew, ev.Kind)
	assert.Equal(t, "vk", ev.Origin.Platform)
	assert.Equal(t, "2000000001", ev.Origin.RoomID)
	assert.Equal(t, "55", ev.Origin.MessageID)
	assert.Equal(t, "7", ev.SenderID)
	assert.Equal(t, "privet", ev.Content.Text)
	assert.Equal(t, "Ivan Petrov", ev.Content.Sender.DisplayName)
	assert.Equal(t, "@ivan", ev.Content.Sender.AccountURI)
	require.NotNil(t, ev.Content.Reply)
	assert.Equal(t, "50", ev.Content.Reply.MessageID)

	lp := api.calls("groups.getLongPollServer")
	require.NotEmpty(t, lp)
	assert.Equal(t, "42", lp[0]["group_id"])
	assert.Equal(t, "secret", lp[0]["access_token"])
	assert.Len(t, api.calls("users.get"), 1)
}

func TestVK_CreateEditDelete(t *testing.T) {
	srv, api := newVKServer(t)
	p := newVK(t, srv.URL, bus.NewMessageBus(1))
	ctx := context.Background()

	mirror, err := p.Create(ctx, "2000000001", Outbound{
		Content: bus.Content{Sender: bus.Sender{DisplayName: "Alice"}, Text: "hello"},
		ReplyTo: "50",
	})
	require.NoError(t, err)
	assert.Equal(t, "vk", mirror.Platform)
	assert.Equal(t, "101", mirror.MessageID)
	sent := api.calls("messages.send")
	require.Len(t, sent, 1)
	assert.Equal(t, "Alice: hello", sent[0]["message"])
	assert.Equal(t, "50", sent[0]["reply_to"])
	assert.Equal(t, "42", sent[0]["group_id"])
	assert.NotEmpty(t, sent[0]["random_id"])

	require.NoError(t, p.Edit(ctx, mirror, Outbound{Content: bus.Content{Sender: bus.Sender{DisplayName: "Alice"}, Text: "edited"}}))
	edits := api.calls("messages.edit")
	require.Len(t, edits, 1)
	assert.Equal(t, "101", edits[0]["message_id"])
	assert.Equal(t, "Alice: edited", edits[0]["message"])

	require.NoError(t, p.Delete(ctx, mirror))
	deletes := api.calls("messages.delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, "101", deletes[0]["message_ids"])
	assert.Equal(t, "1", deletes[0]["delete_for_all"])
}

func TestVK_Failures(t *testing.T) {
	srv, _ := newVKServer(t)
	p := newVK(t, srv.URL, bus.NewMessageBus(1))
	ctx := context.Background()

	_, err := p.Create(ctx, "not-a-peer", Outbound{})
	var ae *AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "create", ae.Op)

	mirror := vkMirror(t, "403")
	err = p.Edit(ctx, mirror, Outbound{Content: bus.Content{Text: "x"}})
	require.ErrorAs(t, err, &ae)
	var apiErr *vkError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 15, apiErr.Code)

	err = p.Delete(ctx, vkMirror(t, "901"))
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "delete", ae.Op)
}

func vkMirror(t *testing.T, id string) identity.MirrorID {
	t.Helper()
	m, err := identity.NewMirrorID("vk", "2000000001", id)
	require.NoError(t, err)
	return m
}

func TestNewVKPlatform_Validation(t *testing.T) {
	mb := bus.NewMessageBus(1)
	_, err := NewVKPlatform(config.PlatformConfig{ID: "vk", SelfID: "42"}, mb)
	assert.Error(t, err)
	_, err = NewVKPlatform(config.PlatformConfig{ID: "vk", Token: "t", SelfID: "club"}, mb)
	assert.Error(t, err)
	p, err := NewVKPlatform(config.PlatformConfig{ID: "vk", Token: "t", SelfID: "-42"}, mb)
	require.NoError(t, err)
	assert.Equal(t, "-42", p.SelfID())
}

func TestVKContent(t *testing.T) {
	var m vkMessage
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": 9, "peer_id": 2000000003, "from_id": 7, "text": "look",
		"attachments": [
			{"type": "photo", "photo": {"sizes": [
				{"url": "https://vk.example/s.jpg", "width": 75},
				{"url": "https://vk.example/x.jpg", "width": 1280},
				{"url": "https://vk.example/m.jpg", "width": 604}
			]}},
			{"type": "doc", "doc": {"url": "https://vk.example/d", "title": "report.pdf"}},
			{"type": "sticker", "sticker": {"sticker_id": 163}},
			{"type": "poll"}
		]
	}`), &m))
	c := vkContent(&m)
	assert.Equal(t, "look", c.Text)
	require.Len(t, c.Attachments, 4)
	assert.Equal(t, "https://vk.example/x.jpg", c.Attachments[0].URL)
	assert.Equal(t, "report.pdf", c.Attachments[1].Name)
	assert.Equal(t, "https://vk.com/sticker/1-163-256", c.Attachments[2].URL)
	assert.Equal(t, "poll", c.Attachments[3].Type)
	assert.Nil(t, c.Reply)
}
