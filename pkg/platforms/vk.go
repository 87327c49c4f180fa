package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

const (
	TypeVK             = "vk"
	vkMaxMessageLength = 4096
	vkAPIVersion       = "5.199"
	vkDefaultAPIURL    = "https://api.vk.com/method"
	vkPollWait         = 25
)

func init() {
	Register(TypeVK, func(cfg config.PlatformConfig, b *bus.MessageBus) (Platform, error) {
		return NewVKPlatform(cfg, b)
	})
}

// VKPlatform is a community bot on the Bots Long Poll API. self_id holds the
// community id; messages the community authored arrive with from_id equal to
// its negated id and are dropped as echoes. Long poll reports no deletions,
// so only new and edit events originate here.
type VKPlatform struct {
	*BaseAdapter
	client  *resty.Client
	token   string
	groupID string

	usersMu sync.Mutex
	users   map[int64]bus.Sender

	cancel context.CancelFunc
	done   chan struct{}
}

func NewVKPlatform(cfg config.PlatformConfig, b *bus.MessageBus) (*VKPlatform, error) {
	token := cfg.ResolvedToken()
	if token == "" {
		return nil, errors.New("vk token is required")
	}
	groupID := strings.TrimPrefix(cfg.SelfID, "-")
	if _, err := strconv.ParseInt(groupID, 10, 64); err != nil {
		return nil, fmt.Errorf("vk self_id must be the numeric community id: %q", cfg.SelfID)
	}
	apiURL := cfg.URL
	if apiURL == "" {
		apiURL = vkDefaultAPIURL
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(apiURL, "/")).
		SetTimeout(time.Duration(vkPollWait+10) * time.Second)
	return &VKPlatform{
		BaseAdapter: NewBaseAdapter(cfg.ID, TypeVK, b,
			WithMaxMessageLength(vkMaxMessageLength),
			WithSelfID("-"+groupID),
		),
		client:  client,
		token:   token,
		groupID: groupID,
		users:   make(map[int64]bus.Sender),
	}, nil
}

type vkError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *vkError) Error() string {
	return fmt.Sprintf("vk error %d: %s", e.Code, e.Message)
}

type vkEnvelope struct {
	Response json.RawMessage `json:"response"`
	Error    *vkError        `json:"error"`
}

// call invokes one API method and decodes its response field into out.
func (v *VKPlatform) call(ctx context.Context, method string, params map[string]string, out any) error {
	form := map[string]string{
		"access_token": v.token,
		"v":            vkAPIVersion,
	}
	for k, val := range params {
		form[k] = val
	}
	var env vkEnvelope
	resp, err := v.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&env).
		Post("/" + method)
	if err != nil {
		return fmt.Errorf("vk %s: %w", method, err)
	}
	if resp.IsError() {
		return fmt.Errorf("vk %s: http %d", method, resp.StatusCode())
	}
	if env.Error != nil {
		return env.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return fmt.Errorf("vk %s: decode response: %w", method, err)
	}
	return nil
}

type vkPollServer struct {
	Key    string          `json:"key"`
	Server string          `json:"server"`
	TS     json.RawMessage `json:"ts"`
}

type vkPollResult struct {
	TS      json.RawMessage `json:"ts"`
	Failed  int             `json:"failed"`
	Updates []vkUpdate      `json:"updates"`
}

type vkUpdate struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

type vkMessage struct {
	ID                    int64          `json:"id"`
	ConversationMessageID int64          `json:"conversation_message_id"`
	PeerID                int64          `json:"peer_id"`
	FromID                int64          `json:"from_id"`
	Text                  string         `json:"text"`
	Attachments           []vkAttachment `json:"attachments"`
	ReplyMessage          *vkMessage     `json:"reply_message"`
}

type vkAttachment struct {
	Type  string `json:"type"`
	Photo *struct {
		Sizes []struct {
			URL   string `json:"url"`
			Width int    `json:"width"`
		} `json:"sizes"`
	} `json:"photo"`
	Doc *struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"doc"`
	Link *struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"link"`
	Sticker *struct {
		StickerID int64 `json:"sticker_id"`
	} `json:"sticker"`
}

func rawTS(raw json.RawMessage) string {
	return strings.Trim(string(raw), `"`)
}

func (v *VKPlatform) pollServer(ctx context.Context) (*vkPollServer, error) {
	var srv vkPollServer
	if err := v.call(ctx, "groups.getLongPollServer", map[string]string{"group_id": v.groupID}, &srv); err != nil {
		return nil, err
	}
	return &srv, nil
}

func (v *VKPlatform) Start(ctx context.Context) error {
	srv, err := v.pollServer(ctx)
	if err != nil {
		return fmt.Errorf("vk long poll server: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.done = make(chan struct{})
	v.SetRunning(true)

	logger.InfoCF("vk", "Connected", map[string]any{
		"platform": v.Name(),
		"group":    v.groupID,
	})
	go v.pollLoop(pollCtx, srv)
	return nil
}

func (v *VKPlatform) Stop(ctx context.Context) error {
	v.SetRunning(false)
	if v.cancel != nil {
		v.cancel()
	}
	if v.done != nil {
		select {
		case <-v.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (v *VKPlatform) pollLoop(ctx context.Context, srv *vkPollServer) {
	defer close(v.done)
	ts := rawTS(srv.TS)
	for ctx.Err() == nil {
		if srv == nil {
			next, err := v.pollServer(ctx)
			if err != nil {
				logger.WarnCF("vk", "Long poll server refresh failed", map[string]any{
					"platform": v.Name(),
					"error":    err.Error(),
				})
				if !sleepCtx(ctx, time.Second) {
					return
				}
				continue
			}
			srv, ts = next, rawTS(next.TS)
		}

		var res vkPollResult
		resp, err := v.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"act":  "a_check",
				"key":  srv.Key,
				"ts":   ts,
				"wait": strconv.Itoa(vkPollWait),
			}).
			SetResult(&res).
			Get(srv.Server)
		if err != nil || resp.IsError() {
			if ctx.Err() != nil {
				return
			}
			logger.WarnCF("vk", "Long poll request failed", map[string]any{
				"platform": v.Name(),
				"error":    fmt.Sprint(err),
			})
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		switch res.Failed {
		case 0:
			ts = rawTS(res.TS)
			for _, u := range res.Updates {
				v.handleUpdate(ctx, u)
			}
		case 1:
			ts = rawTS(res.TS)
		default:
			srv = nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (v *VKPlatform) handleUpdate(ctx context.Context, u vkUpdate) {
	var (
		kind bus.EventKind
		m    vkMessage
	)
	switch u.Type {
	case "message_new":
		var obj struct {
			Message vkMessage `json:"message"`
		}
		if err := json.Unmarshal(u.Object, &obj); err != nil {
			logger.WarnCF("vk", "Malformed update", map[string]any{"type": u.Type, "error": err.Error()})
			return
		}
		kind, m = bus.EventNew, obj.Message
	case "message_edit":
		if err := json.Unmarshal(u.Object, &m); err != nil {
			logger.WarnCF("vk", "Malformed update", map[string]any{"type": u.Type, "error": err.Error()})
			return
		}
		kind = bus.EventEdit
	default:
		return
	}

	sender := strconv.FormatInt(m.FromID, 10)
	if v.IsSelf(sender) {
		return
	}
	id := m.ID
	if id == 0 && m.ConversationMessageID != 0 {
		resolved, err := v.resolveID(ctx, m.PeerID, m.ConversationMessageID)
		if err != nil {
			logger.WarnCF("vk", "Could not resolve chat message id", map[string]any{
				"platform": v.Name(),
				"peer":     m.PeerID,
				"error":    err.Error(),
			})
			return
		}
		id = resolved
	}

	content := vkContent(&m)
	content.Sender = v.sender(ctx, m.FromID)
	v.Emit(ctx, kind, strconv.FormatInt(m.PeerID, 10), strconv.FormatInt(id, 10), sender, content)
}

// resolveID maps a per-chat conversation message id to the global id that
// edit and delete calls take.
func (v *VKPlatform) resolveID(ctx context.Context, peerID, conversationID int64) (int64, error) {
	var res struct {
		Items []vkMessage `json:"items"`
	}
	err := v.call(ctx, "messages.getByConversationMessageId", map[string]string{
		"peer_id":                  strconv.FormatInt(peerID, 10),
		"group_id":                 v.groupID,
		"conversation_message_ids": strconv.FormatInt(conversationID, 10),
	}, &res)
	if err != nil {
		return 0, err
	}
	if len(res.Items) == 0 || res.Items[0].ID == 0 {
		return 0, errors.New("message not found")
	}
	return res.Items[0].ID, nil
}

func (v *VKPlatform) sender(ctx context.Context, fromID int64) bus.Sender {
	if fromID < 0 {
		club := "club" + strconv.FormatInt(-fromID, 10)
		return bus.Sender{DisplayName: club, AccountURI: "@" + club, URL: "https://vk.com/" + club}
	}

	v.usersMu.Lock()
	s, ok := v.users[fromID]
	v.usersMu.Unlock()
	if ok {
		return s
	}

	var users []struct {
		FirstName  string `json:"first_name"`
		LastName   string `json:"last_name"`
		ScreenName string `json:"screen_name"`
	}
	err := v.call(ctx, "users.get", map[string]string{
		"user_ids": strconv.FormatInt(fromID, 10),
		"fields":   "screen_name",
	}, &users)
	if err != nil || len(users) == 0 {
		fallback := "id" + strconv.FormatInt(fromID, 10)
		return bus.Sender{DisplayName: fallback, AccountURI: "@" + fallback}
	}
	u := users[0]
	s = bus.Sender{DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName)}
	if u.ScreenName != "" {
		s.AccountURI = "@" + u.ScreenName
		s.URL = "https://vk.com/" + u.ScreenName
	}

	v.usersMu.Lock()
	v.users[fromID] = s
	v.usersMu.Unlock()
	return s
}

func vkContent(m *vkMessage) bus.Content {
	c := bus.Content{Text: m.Text}
	for _, a := range m.Attachments {
		switch {
		case a.Photo != nil && len(a.Photo.Sizes) > 0:
			best := a.Photo.Sizes[0]
			for _, s := range a.Photo.Sizes[1:] {
				if s.Width > best.Width {
					best = s
				}
			}
			c.Attachments = append(c.Attachments, bus.Attachment{Type: "image", URL: best.URL})
		case a.Doc != nil:
			c.Attachments = append(c.Attachments, bus.Attachment{Type: "file", URL: a.Doc.URL, Name: a.Doc.Title})
		case a.Link != nil:
			c.Attachments = append(c.Attachments, bus.Attachment{Type: "link", URL: a.Link.URL, Name: a.Link.Title})
		case a.Sticker != nil:
			c.Attachments = append(c.Attachments, bus.Attachment{
				Type: "sticker",
				URL:  fmt.Sprintf("https://vk.com/sticker/1-%d-256", a.Sticker.StickerID),
			})
		default:
			c.Attachments = append(c.Attachments, bus.Attachment{Type: a.Type})
		}
	}
	if m.ReplyMessage != nil && m.ReplyMessage.ID != 0 {
		c.Reply = &identity.OriginID{
			RoomID:    strconv.FormatInt(m.PeerID, 10),
			MessageID: strconv.FormatInt(m.ReplyMessage.ID, 10),
		}
	}
	return c
}

func (v *VKPlatform) Create(ctx context.Context, roomID string, msg Outbound) (identity.MirrorID, error) {
	if _, err := strconv.ParseInt(roomID, 10, 64); err != nil {
		return identity.MirrorID{}, &AdapterError{Platform: v.Name(), Op: "create", Reason: "invalid peer id " + roomID, Err: err}
	}
	chunks := SplitMessage(RenderText(msg.Content, PlainMarkup), v.MaxMessageLength())

	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		params := map[string]string{
			"peer_id":          roomID,
			"message":          chunk,
			"random_id":        strconv.FormatInt(int64(rand.Int32()), 10),
			"disable_mentions": "1",
			"group_id":         v.groupID,
		}
		if i == 0 && msg.ReplyTo != "" {
			params["reply_to"] = msg.ReplyTo
		}
		var id int64
		if err := v.call(ctx, "messages.send", params, &id); err != nil {
			if len(ids) == 0 {
				return identity.MirrorID{}, adapterErr(v.Name(), "create", err)
			}
			logger.WarnCF("vk", "Partial mirror, continuation chunk failed", map[string]any{
				"peer":  roomID,
				"sent":  len(ids),
				"error": err.Error(),
			})
			break
		}
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return identity.NewMirrorID(v.Name(), roomID, ids[0], ids[1:]...)
}

func (v *VKPlatform) Edit(ctx context.Context, mirror identity.MirrorID, msg Outbound) error {
	ids := mirror.AllMessageIDs()
	chunks := fitChunks(SplitMessage(RenderText(msg.Content, PlainMarkup), v.MaxMessageLength()), len(ids), v.MaxMessageLength())
	for i, id := range ids {
		err := v.call(ctx, "messages.edit", map[string]string{
			"peer_id":    mirror.RoomID,
			"message_id": id,
			"message":    chunks[i],
			"group_id":   v.groupID,
		}, nil)
		if err != nil {
			return adapterErr(v.Name(), "edit", err)
		}
	}
	return nil
}

func (v *VKPlatform) Delete(ctx context.Context, mirror identity.MirrorID) error {
	ids := mirror.AllMessageIDs()
	var result map[string]int
	err := v.call(ctx, "messages.delete", map[string]string{
		"peer_id":        mirror.RoomID,
		"message_ids":    strings.Join(ids, ","),
		"delete_for_all": "1",
		"group_id":       v.groupID,
	}, &result)
	if err != nil {
		return adapterErr(v.Name(), "delete", err)
	}
	for _, id := range ids {
		if result[id] != 1 {
			return &AdapterError{Platform: v.Name(), Op: "delete", Reason: "message " + id + " not deleted"}
		}
	}
	return nil
}
