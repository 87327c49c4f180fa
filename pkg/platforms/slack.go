package platforms

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

const (
	TypeSlack             = "slack"
	slackMaxMessageLength = 4000
)

func init() {
	Register(TypeSlack, func(cfg config.PlatformConfig, b *bus.MessageBus) (Platform, error) {
		return NewSlackPlatform(cfg, b)
	})
}

// SlackPlatform receives events over Socket Mode and posts with the Web API.
type SlackPlatform struct {
	*BaseAdapter
	api    *slack.Client
	socket *socketmode.Client
	botID  string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSlackPlatform(cfg config.PlatformConfig, b *bus.MessageBus) (*SlackPlatform, error) {
	botToken := cfg.ResolvedToken()
	if botToken == "" || cfg.AppToken == "" {
		return nil, errors.New("slack bot token and app token are required")
	}
	opts := []slack.Option{slack.OptionAppLevelToken(cfg.AppToken)}
	if cfg.URL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.URL))
	}
	api := slack.New(botToken, opts...)
	base := NewBaseAdapter(cfg.ID, TypeSlack, b,
		WithMaxMessageLength(slackMaxMessageLength),
		WithSelfID(cfg.SelfID),
	)
	return &SlackPlatform{
		BaseAdapter: base,
		api:         api,
		socket:      socketmode.New(api),
	}, nil
}

func (s *SlackPlatform) Start(ctx context.Context) error {
	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	s.SetSelfID(auth.UserID)
	s.botID = auth.BotID

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.eventLoop(runCtx)
	go func() {
		defer close(s.done)
		if err := s.socket.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorCF("slack", "Socket mode stopped", map[string]any{
				"platform": s.Name(),
				"error":    err.Error(),
			})
		}
	}()

	s.SetRunning(true)
	logger.InfoCF("slack", "Connected", map[string]any{
		"platform": s.Name(),
		"team":     auth.Team,
	})
	return nil
}

func (s *SlackPlatform) Stop(ctx context.Context) error {
	s.SetRunning(false)
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *SlackPlatform) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			if evt.Request != nil {
				s.socket.Ack(*evt.Request)
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				s.handleMessage(ctx, msg)
			}
		}
	}
}

func (s *SlackPlatform) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	kind, messageID, sender, content, ok := slackEvent(ev)
	if !ok {
		return
	}
	if s.botID != "" && ev.BotID == s.botID {
		return
	}
	s.Emit(ctx, kind, ev.Channel, messageID, sender, content)
}

// slackEvent maps a message event onto the bridge lifecycle. Subtypes other
// than plain, changed and deleted messages are ignored.
func slackEvent(ev *slackevents.MessageEvent) (bus.EventKind, string, string, bus.Content, bool) {
	switch ev.SubType {
	case "", "file_share", "thread_broadcast":
		c := bus.Content{
			Text:   ev.Text,
			Sender: bus.Sender{DisplayName: ev.User, AccountURI: "slack:" + ev.User},
		}
		if ev.Username != "" {
			c.Sender.DisplayName = ev.Username
		}
		if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
			c.Reply = &identity.OriginID{RoomID: ev.Channel, MessageID: ev.ThreadTimeStamp}
		}
		return bus.EventNew, ev.TimeStamp, ev.User, c, true
	case "message_changed":
		if ev.Message == nil {
			return "", "", "", bus.Content{}, false
		}
		c := bus.Content{
			Text:   ev.Message.Text,
			Sender: bus.Sender{DisplayName: ev.Message.User, AccountURI: "slack:" + ev.Message.User},
		}
		return bus.EventEdit, ev.Message.Timestamp, ev.Message.User, c, true
	case "message_deleted":
		if ev.DeletedTimeStamp == "" {
			return "", "", "", bus.Content{}, false
		}
		sender := ""
		if ev.PreviousMessage != nil {
			sender = ev.PreviousMessage.User
		}
		return bus.EventRemove, ev.DeletedTimeStamp, sender, bus.Content{}, true
	}
	return "", "", "", bus.Content{}, false
}

func (s *SlackPlatform) Create(ctx context.Context, roomID string, msg Outbound) (identity.MirrorID, error) {
	chunks := SplitMessage(RenderText(msg.Content, SlackMarkup), s.MaxMessageLength())

	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if i == 0 && msg.ReplyTo != "" {
			opts = append(opts, slack.MsgOptionTS(msg.ReplyTo))
		}
		_, ts, err := s.api.PostMessageContext(ctx, roomID, opts...)
		if err != nil {
			if len(ids) == 0 {
				return identity.MirrorID{}, adapterErr(s.Name(), "create", err)
			}
			logger.WarnCF("slack", "Partial mirror, continuation chunk failed", map[string]any{
				"channel": roomID,
				"sent":    len(ids),
				"error":   err.Error(),
			})
			break
		}
		ids = append(ids, ts)
	}
	return identity.NewMirrorID(s.Name(), roomID, ids[0], ids[1:]...)
}

func (s *SlackPlatform) Edit(ctx context.Context, mirror identity.MirrorID, msg Outbound) error {
	ids := mirror.AllMessageIDs()
	chunks := fitChunks(SplitMessage(RenderText(msg.Content, SlackMarkup), s.MaxMessageLength()), len(ids), s.MaxMessageLength())
	for i, ts := range ids {
		if _, _, _, err := s.api.UpdateMessageContext(ctx, mirror.RoomID, ts, slack.MsgOptionText(chunks[i], false)); err != nil {
			return adapterErr(s.Name(), "edit", err)
		}
	}
	return nil
}

func (s *SlackPlatform) Delete(ctx context.Context, mirror identity.MirrorID) error {
	for _, ts := range mirror.AllMessageIDs() {
		if _, _, err := s.api.DeleteMessageContext(ctx, mirror.RoomID, ts); err != nil {
			return adapterErr(s.Name(), "delete", err)
		}
	}
	return nil
}
