package platforms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

const (
	TypeTelegram             = "telegram"
	telegramMaxMessageLength = 4096
)

func init() {
	Register(TypeTelegram, func(cfg config.PlatformConfig, b *bus.MessageBus) (Platform, error) {
		return NewTelegramPlatform(cfg, b)
	})
}

// TelegramPlatform receives updates by long polling. The Bot API has no
// deletion updates, so only new and edit events originate here.
type TelegramPlatform struct {
	*BaseAdapter
	bot    *telego.Bot
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTelegramPlatform(cfg config.PlatformConfig, b *bus.MessageBus) (*TelegramPlatform, error) {
	token := cfg.ResolvedToken()
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	var opts []telego.BotOption
	if cfg.URL != "" {
		opts = append(opts, telego.WithAPIServer(cfg.URL))
	}
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	base := NewBaseAdapter(cfg.ID, TypeTelegram, b,
		WithMaxMessageLength(telegramMaxMessageLength),
		WithSelfID(cfg.SelfID),
	)
	return &TelegramPlatform{BaseAdapter: base, bot: bot}, nil
}

func (t *TelegramPlatform) Start(ctx context.Context) error {
	me, err := t.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	t.SetSelfID(strconv.FormatInt(me.ID, 10))

	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := t.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		AllowedUpdates: []string{"message", "edited_message", "channel_post", "edited_channel_post"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}
	t.cancel = cancel
	t.done = make(chan struct{})
	t.SetRunning(true)

	logger.InfoCF("telegram", "Connected", map[string]any{
		"platform": t.Name(),
		"username": me.Username,
	})

	go func() {
		defer close(t.done)
		for update := range updates {
			t.handleUpdate(pollCtx, update)
		}
	}()
	return nil
}

func (t *TelegramPlatform) Stop(ctx context.Context) error {
	t.SetRunning(false)
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *TelegramPlatform) handleUpdate(ctx context.Context, u telego.Update) {
	switch {
	case u.Message != nil:
		t.emitMessage(ctx, bus.EventNew, u.Message)
	case u.ChannelPost != nil:
		t.emitMessage(ctx, bus.EventNew, u.ChannelPost)
	case u.EditedMessage != nil:
		t.emitMessage(ctx, bus.EventEdit, u.EditedMessage)
	case u.EditedChannelPost != nil:
		t.emitMessage(ctx, bus.EventEdit, u.EditedChannelPost)
	}
}

func (t *TelegramPlatform) emitMessage(ctx context.Context, kind bus.EventKind, m *telego.Message) {
	sender := ""
	if m.From != nil {
		sender = strconv.FormatInt(m.From.ID, 10)
	}
	t.Emit(ctx, kind,
		strconv.FormatInt(m.Chat.ID, 10),
		strconv.Itoa(m.MessageID),
		sender,
		telegramContent(m),
	)
}

func (t *TelegramPlatform) Create(ctx context.Context, roomID string, msg Outbound) (identity.MirrorID, error) {
	chatID, err := strconv.ParseInt(roomID, 10, 64)
	if err != nil {
		return identity.MirrorID{}, &AdapterError{Platform: t.Name(), Op: "create", Reason: "invalid chat id " + roomID, Err: err}
	}
	chunks := SplitMessage(RenderText(msg.Content, PlainMarkup), t.MaxMessageLength())

	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		params := &telego.SendMessageParams{
			ChatID: telego.ChatID{ID: chatID},
			Text:   chunk,
		}
		if i == 0 && msg.ReplyTo != "" {
			if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID, AllowSendingWithoutReply: true}
			}
		}
		sent, err := t.bot.SendMessage(ctx, params)
		if err != nil {
			if len(ids) == 0 {
				return identity.MirrorID{}, adapterErr(t.Name(), "create", err)
			}
			logger.WarnCF("telegram", "Partial mirror, continuation chunk failed", map[string]any{
				"chat":  roomID,
				"sent":  len(ids),
				"error": err.Error(),
			})
			break
		}
		ids = append(ids, strconv.Itoa(sent.MessageID))
	}
	return identity.NewMirrorID(t.Name(), roomID, ids[0], ids[1:]...)
}

func (t *TelegramPlatform) Edit(ctx context.Context, mirror identity.MirrorID, msg Outbound) error {
	chatID, err := strconv.ParseInt(mirror.RoomID, 10, 64)
	if err != nil {
		return &AdapterError{Platform: t.Name(), Op: "edit", Reason: "invalid chat id " + mirror.RoomID, Err: err}
	}
	ids := mirror.AllMessageIDs()
	chunks := fitChunks(SplitMessage(RenderText(msg.Content, PlainMarkup), t.MaxMessageLength()), len(ids), t.MaxMessageLength())
	for i, id := range ids {
		msgID, err := strconv.Atoi(id)
		if err != nil {
			return &AdapterError{Platform: t.Name(), Op: "edit", Reason: "invalid message id " + id, Err: err}
		}
		_, err = t.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    telego.ChatID{ID: chatID},
			MessageID: msgID,
			Text:      chunks[i],
		})
		if err != nil && !strings.Contains(err.Error(), "message is not modified") {
			return adapterErr(t.Name(), "edit", err)
		}
	}
	return nil
}

func (t *TelegramPlatform) Delete(ctx context.Context, mirror identity.MirrorID) error {
	chatID, err := strconv.ParseInt(mirror.RoomID, 10, 64)
	if err != nil {
		return &AdapterError{Platform: t.Name(), Op: "delete", Reason: "invalid chat id " + mirror.RoomID, Err: err}
	}
	for _, id := range mirror.AllMessageIDs() {
		msgID, err := strconv.Atoi(id)
		if err != nil {
			return &AdapterError{Platform: t.Name(), Op: "delete", Reason: "invalid message id " + id, Err: err}
		}
		if err := t.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
			ChatID:    telego.ChatID{ID: chatID},
			MessageID: msgID,
		}); err != nil {
			return adapterErr(t.Name(), "delete", err)
		}
	}
	return nil
}

func telegramContent(m *telego.Message) bus.Content {
	c := bus.Content{Text: m.Text}
	if c.Text == "" {
		c.Text = m.Caption
	}
	if m.From != nil {
		name := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		c.Sender = bus.Sender{DisplayName: name}
		if m.From.Username != "" {
			c.Sender.AccountURI = "@" + m.From.Username
			c.Sender.URL = "https://t.me/" + m.From.Username
		} else {
			c.Sender.AccountURI = "tg:" + strconv.FormatInt(m.From.ID, 10)
		}
	} else if m.SenderChat != nil {
		c.Sender = bus.Sender{DisplayName: m.SenderChat.Title}
	}
	switch {
	case len(m.Photo) > 0:
		c.Attachments = append(c.Attachments, bus.Attachment{Type: "image", Name: m.Photo[len(m.Photo)-1].FileID})
	case m.Document != nil:
		c.Attachments = append(c.Attachments, bus.Attachment{Type: "file", Name: m.Document.FileName})
	case m.Sticker != nil:
		c.Attachments = append(c.Attachments, bus.Attachment{Type: "sticker", Name: m.Sticker.Emoji})
	}
	if m.ReplyToMessage != nil {
		c.Reply = &identity.OriginID{
			RoomID:    strconv.FormatInt(m.Chat.ID, 10),
			MessageID: strconv.Itoa(m.ReplyToMessage.MessageID),
		}
	}
	return c
}
