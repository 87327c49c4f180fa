package platforms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/identity"
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

const (
	TypeDiscord             = "discord"
	discordMaxMessageLength = 2000
	discordBulkDeleteMax    = 100
)

func init() {
	Register(TypeDiscord, func(cfg config.PlatformConfig, b *bus.MessageBus) (Platform, error) {
		return NewDiscordPlatform(cfg, b)
	})
}

type DiscordPlatform struct {
	*BaseAdapter
	session *discordgo.Session
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewDiscordPlatform(cfg config.PlatformConfig, b *bus.MessageBus) (*DiscordPlatform, error) {
	token := cfg.ResolvedToken()
	if token == "" {
		return nil, errors.New("discord token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	base := NewBaseAdapter(cfg.ID, TypeDiscord, b,
		WithMaxMessageLength(discordMaxMessageLength),
		WithSelfID(cfg.SelfID),
	)
	return &DiscordPlatform{BaseAdapter: base, session: session}, nil
}

func (d *DiscordPlatform) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.session.AddHandler(d.onReady)
	d.session.AddHandler(d.onMessageCreate)
	d.session.AddHandler(d.onMessageUpdate)
	d.session.AddHandler(d.onMessageDelete)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	if d.session.State != nil && d.session.State.User != nil {
		d.SetSelfID(d.session.State.User.ID)
	}
	d.SetRunning(true)
	return nil
}

func (d *DiscordPlatform) Stop(_ context.Context) error {
	d.SetRunning(false)
	if d.cancel != nil {
		d.cancel()
	}
	return d.session.Close()
}

func (d *DiscordPlatform) Create(ctx context.Context, roomID string, msg Outbound) (identity.MirrorID, error) {
	chunks := SplitMessage(RenderText(msg.Content, MarkdownMarkup), d.MaxMessageLength())

	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: roomID}
		}
		sent, err := d.session.ChannelMessageSendComplex(roomID, send, discordgo.WithContext(ctx))
		if err != nil {
			if len(ids) == 0 {
				return identity.MirrorID{}, adapterErr(d.Name(), "create", err)
			}
			logger.WarnCF("discord", "Partial mirror, continuation chunk failed", map[string]any{
				"channel": roomID,
				"sent":    len(ids),
				"chunks":  len(chunks),
				"error":   err.Error(),
			})
			break
		}
		ids = append(ids, sent.ID)
	}
	return identity.NewMirrorID(d.Name(), roomID, ids[0], ids[1:]...)
}

func (d *DiscordPlatform) Edit(ctx context.Context, mirror identity.MirrorID, msg Outbound) error {
	ids := mirror.AllMessageIDs()
	chunks := fitChunks(SplitMessage(RenderText(msg.Content, MarkdownMarkup), d.MaxMessageLength()), len(ids), d.MaxMessageLength())
	for i, id := range ids {
		if _, err := d.session.ChannelMessageEdit(mirror.RoomID, id, chunks[i], discordgo.WithContext(ctx)); err != nil {
			return adapterErr(d.Name(), "edit", err)
		}
	}
	return nil
}

func (d *DiscordPlatform) Delete(ctx context.Context, mirror identity.MirrorID) error {
	ids := mirror.AllMessageIDs()
	if len(ids) == 1 {
		if err := d.session.ChannelMessageDelete(mirror.RoomID, ids[0], discordgo.WithContext(ctx)); err != nil {
			return adapterErr(d.Name(), "delete", err)
		}
		return nil
	}
	for start := 0; start < len(ids); start += discordBulkDeleteMax {
		end := min(start+discordBulkDeleteMax, len(ids))
		if err := d.session.ChannelMessagesBulkDelete(mirror.RoomID, ids[start:end], discordgo.WithContext(ctx)); err != nil {
			// Bulk delete refuses messages older than two weeks.
			for _, id := range ids[start:end] {
				if err := d.session.ChannelMessageDelete(mirror.RoomID, id, discordgo.WithContext(ctx)); err != nil {
					return adapterErr(d.Name(), "delete", err)
				}
			}
		}
	}
	return nil
}

func (d *DiscordPlatform) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		d.SetSelfID(r.User.ID)
		logger.InfoCF("discord", "Connected", map[string]any{
			"platform": d.Name(),
			"user":     r.User.Username,
		})
	}
}

func (d *DiscordPlatform) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	d.Emit(d.eventContext(), bus.EventNew, m.ChannelID, m.ID, m.Author.ID, discordContent(m.Message))
}

func (d *DiscordPlatform) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	// Embed unfurls arrive as updates without an author.
	if m.Message == nil || m.Author == nil {
		return
	}
	d.Emit(d.eventContext(), bus.EventEdit, m.ChannelID, m.ID, m.Author.ID, discordContent(m.Message))
}

func (d *DiscordPlatform) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil {
		return
	}
	sender := ""
	if m.BeforeDelete != nil && m.BeforeDelete.Author != nil {
		sender = m.BeforeDelete.Author.ID
	}
	d.Emit(d.eventContext(), bus.EventRemove, m.ChannelID, m.ID, sender, bus.Content{})
}

func (d *DiscordPlatform) eventContext() context.Context {
	if d.ctx != nil {
		return d.ctx
	}
	return context.Background()
}

func discordContent(m *discordgo.Message) bus.Content {
	c := bus.Content{Text: m.Content}
	if m.Author != nil {
		c.Sender = bus.Sender{
			DisplayName: m.Author.DisplayName(),
			AccountURI:  "discord:" + m.Author.ID,
		}
	}
	if m.Member != nil && m.Member.Nick != "" {
		c.Sender.DisplayName = m.Member.Nick
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		c.Attachments = append(c.Attachments, bus.Attachment{
			Type: attachmentType(a.ContentType),
			URL:  a.URL,
			Name: a.Filename,
		})
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		channel := m.MessageReference.ChannelID
		if channel == "" {
			channel = m.ChannelID
		}
		c.Reply = &identity.OriginID{RoomID: channel, MessageID: m.MessageReference.MessageID}
	}
	return c
}

func attachmentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// fitChunks maps re-split text onto n existing messages. Surplus text is
// folded into the last message and cut at maxRunes; surplus messages are
// blanked with a zero width space.
func fitChunks(chunks []string, n, maxRunes int) []string {
	out := make([]string, n)
	for i := range out {
		switch {
		case i < len(chunks) && i == n-1:
			rest := []rune(strings.Join(chunks[i:], ""))
			if maxRunes > 0 && len(rest) > maxRunes {
				rest = rest[:maxRunes]
			}
			out[i] = string(rest)
		case i < len(chunks):
			out[i] = chunks[i]
		default:
			out[i] = "\u200b"
		}
	}
	return out
}
