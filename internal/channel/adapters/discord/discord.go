// Package discord implements the Discord gateway channel adapter.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/chatgate/internal/channel"
)

// Type is the registered channel type for Discord.
const Type channel.ChannelType = "discord"

const maxMessageLength = 2000

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// Adapter implements channel.Receiver, channel.Sender, channel.Reactor,
// channel.TypingNotifier and channel.AttachmentResolver for Discord.
type Adapter struct {
	logger     *slog.Logger
	sessions   *channel.ClientPool[*discordgo.Session]
	httpClient *http.Client
}

// NewAdapter creates a Discord adapter.
func NewAdapter(log *slog.Logger, client *http.Client) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "discord")),
		sessions:   channel.NewClientPool[*discordgo.Session](),
		httpClient: client,
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Discord",
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Markdown:    true,
			Attachments: true,
			Reply:       true,
			Threads:     true,
			Reactions:   true,
			Typing:      true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: maxMessageLength,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

func (a *Adapter) session(ctx context.Context, cfg channel.ChannelConfig) (*discordgo.Session, Config, error) {
	discordCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, Config{}, err
	}
	session, err := a.sessions.Acquire(ctx, discordCfg.poolKey(), func(context.Context) (*discordgo.Session, error) {
		session, err := discordgo.New("Bot " + discordCfg.BotToken)
		if err != nil {
			a.logger.Error("create session failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
			return nil, err
		}
		session.Identify.Intents = intents
		session.Client = a.httpClient
		return session, nil
	})
	return session, discordCfg, err
}

// Connect opens the gateway websocket and forwards created and edited
// messages to handler.
func (a *Adapter) Connect(ctx context.Context, cfg channel.ChannelConfig, handler channel.InboundHandler) (channel.Connection, error) {
	session, discordCfg, err := a.session(ctx, cfg)
	if err != nil {
		return nil, err
	}
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var closed atomic.Bool

	dispatch := func(s *discordgo.Session, msg *discordgo.Message, edited bool) {
		if closed.Load() {
			return
		}
		event, ok := buildInboundEvent(cfg.ID, s.State.User, msg, a.channelInfo(s, msg.ChannelID))
		if !ok {
			return
		}
		event.Edit = edited
		if err := handler(connCtx, cfg, event); err != nil {
			a.logger.Error("handle inbound failed",
				slog.String("config_id", cfg.ID),
				slog.String("event_id", event.EventID),
				slog.Any("error", err),
			)
		}
	}
	removers := []func(){
		session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			dispatch(s, m.Message, false)
		}),
		session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
			dispatch(s, m.Message, true)
		}),
	}
	removeAll := func() {
		for _, remove := range removers {
			remove()
		}
	}

	if err := session.Open(); err != nil {
		removeAll()
		cancel()
		a.sessions.Remove(discordCfg.poolKey())
		return nil, fmt.Errorf("discord open connection: %w", err)
	}
	a.logger.Info("gateway connected", slog.String("config_id", cfg.ID))

	return channel.NewConnection(cfg, func(context.Context) error {
		a.logger.Info("stop", slog.String("config_id", cfg.ID))
		closed.Store(true)
		removeAll()
		cancel()
		a.sessions.Remove(discordCfg.poolKey())
		return session.Close()
	}), nil
}

func (a *Adapter) channelInfo(s *discordgo.Session, channelID string) channelInfo {
	if s.State == nil {
		return channelInfo{}
	}
	ch, err := s.State.Channel(channelID)
	if err != nil || ch == nil {
		return channelInfo{}
	}
	return channelInfo{Name: ch.Name, Thread: ch.IsThread()}
}

// Send posts one message. Attachments with loaded bytes are uploaded;
// URL-only attachments are appended to the content for unfurling.
func (a *Adapter) Send(ctx context.Context, cfg channel.ChannelConfig, msg channel.OutboundMessage) error {
	channelID := strings.TrimSpace(msg.Target)
	if channelID == "" {
		return fmt.Errorf("discord target is required")
	}
	if msg.Message.IsEmpty() {
		return fmt.Errorf("message is required")
	}
	session, _, err := a.session(ctx, cfg)
	if err != nil {
		return err
	}
	send, err := buildMessageSend(channelID, msg.Message)
	if err != nil {
		return err
	}
	_, err = session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	return err
}

func buildMessageSend(channelID string, msg channel.Message) (*discordgo.MessageSend, error) {
	lines := []string{}
	if text := strings.TrimSpace(msg.Text); text != "" {
		lines = append(lines, text)
	}
	send := &discordgo.MessageSend{
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		},
	}
	for _, att := range msg.Attachments {
		switch {
		case len(att.Data) > 0:
			name := strings.TrimSpace(att.Name)
			if name == "" {
				name = string(att.Type)
			}
			send.Files = append(send.Files, &discordgo.File{
				Name:        name,
				ContentType: att.Mime,
				Reader:      bytes.NewReader(att.Data),
			})
		case strings.TrimSpace(att.URL) != "":
			lines = append(lines, strings.TrimSpace(att.URL))
		default:
			return nil, fmt.Errorf("attachment reference is required")
		}
	}
	send.Content = truncate(strings.Join(lines, "\n"))
	if msg.Reply != nil && strings.TrimSpace(msg.Reply.MessageID) != "" {
		failIfMissing := false
		send.Reference = &discordgo.MessageReference{
			MessageID:       strings.TrimSpace(msg.Reply.MessageID),
			ChannelID:       channelID,
			FailIfNotExists: &failIfMissing,
		}
	}
	return send, nil
}

// truncate caps content at the Discord limit on a rune boundary.
func truncate(text string) string {
	if utf8.RuneCountInString(text) <= maxMessageLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxMessageLength-3]) + "..."
}

// SetTyping triggers the typing indicator. Discord expires it after ten
// seconds, so turning it off is a no-op.
func (a *Adapter) SetTyping(ctx context.Context, cfg channel.ChannelConfig, target string, typing bool) error {
	if !typing {
		return nil
	}
	session, _, err := a.session(ctx, cfg)
	if err != nil {
		return err
	}
	return session.ChannelTyping(strings.TrimSpace(target), discordgo.WithContext(ctx))
}

func (a *Adapter) React(ctx context.Context, cfg channel.ChannelConfig, target string, messageID string, emoji string) error {
	session, _, err := a.session(ctx, cfg)
	if err != nil {
		return err
	}
	return session.MessageReactionAdd(target, messageID, emoji, discordgo.WithContext(ctx))
}

// ResolveAttachment downloads an attachment from the Discord CDN.
func (a *Adapter) ResolveAttachment(ctx context.Context, _ channel.ChannelConfig, attachment channel.Attachment) (channel.AttachmentPayload, error) {
	downloadURL := strings.TrimSpace(attachment.URL)
	if downloadURL == "" {
		return channel.AttachmentPayload{}, fmt.Errorf("discord attachment requires url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return channel.AttachmentPayload{}, fmt.Errorf("build download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return channel.AttachmentPayload{}, fmt.Errorf("download attachment: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		_, _ = io.Copy(io.Discard, resp.Body)
		return channel.AttachmentPayload{}, fmt.Errorf("download attachment status: %d", resp.StatusCode)
	}
	mime := strings.TrimSpace(attachment.Mime)
	if mime == "" {
		mime, _, _ = strings.Cut(resp.Header.Get("Content-Type"), ";")
		mime = strings.TrimSpace(mime)
	}
	size := attachment.Size
	if resp.ContentLength > size {
		size = resp.ContentLength
	}
	return channel.AttachmentPayload{
		Reader: resp.Body,
		Mime:   mime,
		Name:   strings.TrimSpace(attachment.Name),
		Size:   size,
	}, nil
}
