package platforms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

const TypeWSRelay = "wsrelay"

func init() {
	Register(TypeWSRelay, func(cfg config.PlatformConfig, b *bus.MessageBus) (Platform, error) {
		return NewWSRelayPlatform(cfg, b)
	})
}

// Frame is the JSON envelope exchanged with a websocket peer.
//
// The peer sends "event" frames for messages observed on its side and
// answers each "request" frame with a "response" frame carrying the same ID.
type Frame struct {
	Type string `json:"type"` // "event" | "request" | "response"
	ID   string `json:"id,omitempty"`

	// event
	Kind      bus.EventKind `json:"kind,omitempty"`
	Room      string        `json:"room,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	SenderID  string        `json:"sender_id,omitempty"`
	Content   *bus.Content  `json:"content,omitempty"`

	// request
	Op         string   `json:"op,omitempty"` // "create" | "edit" | "delete"
	ReplyTo    string   `json:"reply_to,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`

	// response
	AdditionalIDs []string `json:"additional_ids,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// WSRelayPlatform bridges to any peer speaking the Frame protocol over a
// websocket, e.g. a sidecar for a service without a Go SDK.
type WSRelayPlatform struct {
	*BaseAdapter
	url    string
	header http.Header
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan Frame
	// readerGone is set once the read loop has answered every pending call
	// and stopped taking responses.
	readerGone bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWSRelayPlatform(cfg config.PlatformConfig, b *bus.MessageBus) (*WSRelayPlatform, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsrelay url is required")
	}
	header := http.Header{}
	if token := cfg.ResolvedToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WSRelayPlatform{
		BaseAdapter: NewBaseAdapter(cfg.ID, TypeWSRelay, b, WithSelfID(cfg.SelfID)),
		url:         cfg.URL,
		header:      header,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending:     make(map[string]chan Frame),
	}, nil
}

func (w *WSRelayPlatform) Start(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return fmt.Errorf("wsrelay dial %s: %w", w.url, err)
	}
	w.conn = conn

	readCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.pendingMu.Lock()
	w.readerGone = false
	w.pendingMu.Unlock()
	w.SetRunning(true)

	go w.readLoop(readCtx)
	return nil
}

func (w *WSRelayPlatform) Stop(ctx context.Context) error {
	w.SetRunning(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.conn == nil {
		return nil
	}
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.writeMu.Unlock()
	err := w.conn.Close()
	select {
	case <-w.done:
	case <-ctx.Done():
	}
	return err
}

func (w *WSRelayPlatform) readLoop(ctx context.Context) {
	defer close(w.done)
	defer w.failPending(ErrNotRunning)
	for {
		var f Frame
		if err := w.conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.ErrorCF("wsrelay", "Read failed", map[string]any{
					"platform": w.Name(),
					"error":    err.Error(),
				})
			}
			w.SetRunning(false)
			return
		}
		switch f.Type {
		case "event":
			content := bus.Content{}
			if f.Content != nil {
				content = *f.Content
			}
			w.Emit(ctx, f.Kind, f.Room, f.MessageID, f.SenderID, content)
		case "response":
			w.pendingMu.Lock()
			ch, ok := w.pending[f.ID]
			delete(w.pending, f.ID)
			w.pendingMu.Unlock()
			if ok {
				ch <- f
			}
		default:
			logger.DebugCF("wsrelay", "Ignored frame", map[string]any{"type": f.Type})
		}
	}
}

func (w *WSRelayPlatform) failPending(err error) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.readerGone = true
	for id, ch := range w.pending {
		ch <- Frame{Type: "response", ID: id, Error: err.Error()}
		delete(w.pending, id)
	}
}

func (w *WSRelayPlatform) call(ctx context.Context, req Frame) (Frame, error) {
	if !w.IsRunning() || w.conn == nil {
		return Frame{}, ErrNotRunning
	}
	req.Type = "request"
	req.ID = uuid.NewString()
	ch := make(chan Frame, 1)

	w.pendingMu.Lock()
	if w.readerGone {
		w.pendingMu.Unlock()
		return Frame{}, ErrNotRunning
	}
	w.pending[req.ID] = ch
	w.pendingMu.Unlock()

	w.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
	}
	err := w.conn.WriteJSON(req)
	w.writeMu.Unlock()
	if err != nil {
		w.pendingMu.Lock()
		delete(w.pending, req.ID)
		w.pendingMu.Unlock()
		return Frame{}, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		w.pendingMu.Lock()
		delete(w.pending, req.ID)
		w.pendingMu.Unlock()
		return Frame{}, ctx.Err()
	}
}

func (w *WSRelayPlatform) Create(ctx context.Context, roomID string, msg Outbound) (identity.MirrorID, error) {
	content := msg.Content
	resp, err := w.call(ctx, Frame{Op: "create", Room: roomID, Content: &content, ReplyTo: msg.ReplyTo})
	if err != nil {
		return identity.MirrorID{}, adapterErr(w.Name(), "create", err)
	}
	m, err := identity.NewMirrorID(w.Name(), roomID, resp.MessageID, resp.AdditionalIDs...)
	if err != nil {
		return identity.MirrorID{}, &AdapterError{Platform: w.Name(), Op: "create", Reason: "peer returned invalid id", Err: err}
	}
	return m, nil
}

func (w *WSRelayPlatform) Edit(ctx context.Context, mirror identity.MirrorID, msg Outbound) error {
	content := msg.Content
	_, err := w.call(ctx, Frame{
		Op:         "edit",
		Room:       mirror.RoomID,
		MessageID:  mirror.MessageID,
		MessageIDs: mirror.AllMessageIDs(),
		Content:    &content,
	})
	if err != nil {
		return adapterErr(w.Name(), "edit", err)
	}
	return nil
}

func (w *WSRelayPlatform) Delete(ctx context.Context, mirror identity.MirrorID) error {
	_, err := w.call(ctx, Frame{
		Op:         "delete",
		Room:       mirror.RoomID,
		MessageID:  mirror.MessageID,
		MessageIDs: mirror.AllMessageIDs(),
	})
	if err != nil {
		return adapterErr(w.Name(), "delete", err)
	}
	return nil
}
