// Package telegram implements the Telegram Bot API channel adapter.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/chatgate/internal/channel"
)

// Type is the registered channel type for Telegram.
const Type channel.ChannelType = "telegram"

const (
	maxMessageLength = 4096
	pollTimeout      = 30
)

// The library logger is process-global.
var setLoggerOnce sync.Once

// Adapter implements channel.Receiver, channel.Sender, channel.Reactor,
// channel.TypingNotifier and channel.AttachmentResolver for Telegram.
type Adapter struct {
	logger     *slog.Logger
	bots       *channel.ClientPool[*tgbotapi.BotAPI]
	httpClient *http.Client
}

// NewAdapter creates a Telegram adapter. client is used for the Bot API and
// file downloads; nil selects a client with a timeout above the long-poll
// window.
func NewAdapter(log *slog.Logger, client *http.Client) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: (pollTimeout + 30) * time.Second}
	}
	adapter := &Adapter{
		logger:     log.With(slog.String("adapter", "telegram")),
		bots:       channel.NewClientPool[*tgbotapi.BotAPI](),
		httpClient: client,
	}
	setLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	})
	return adapter
}

// Type returns the Telegram channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Telegram channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Markdown:    true,
			Attachments: true,
			Reply:       true,
			Reactions:   true,
			Typing:      true,
			Voice:       true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: maxMessageLength,
			ChunkerMode:    channel.ChunkerModeMarkdown,
			MessageFormat:  channel.MessageFormatPlain,
		},
	}
}

func (a *Adapter) bot(ctx context.Context, cfg channel.ChannelConfig) (*tgbotapi.BotAPI, Config, error) {
	telegramCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, Config{}, err
	}
	bot, err := a.bots.Acquire(ctx, telegramCfg.poolKey(), func(context.Context) (*tgbotapi.BotAPI, error) {
		bot, err := tgbotapi.NewBotAPIWithClient(telegramCfg.BotToken, telegramCfg.APIEndpoint, a.httpClient)
		if err != nil {
			a.logger.Error("create bot failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
			return nil, err
		}
		return bot, nil
	})
	return bot, telegramCfg, err
}

// Connect starts long-polling for updates and forwards normalized messages
// to handler. Updates that arrive after Stop are discarded.
func (a *Adapter) Connect(ctx context.Context, cfg channel.ChannelConfig, handler channel.InboundHandler) (channel.Connection, error) {
	bot, telegramCfg, err := a.bot(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.logger.Info("start polling", slog.String("config_id", cfg.ID), slog.String("bot", bot.Self.UserName))

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = pollTimeout
	updateConfig.AllowedUpdates = []string{"message", "edited_message", "channel_post", "edited_channel_post"}
	updates := bot.GetUpdatesChan(updateConfig)

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var closed atomic.Bool
	done := make(chan struct{})
	conn := channel.NewConnection(cfg, func(stopCtx context.Context) error {
		closed.Store(true)
		a.bots.Remove(telegramCfg.poolKey())
		bot.StopReceivingUpdates()
		cancel()
		go func() {
			for range updates {
			}
		}()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	})

	go func() {
		defer close(done)
		for {
			select {
			case <-connCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("updates channel closed", slog.String("config_id", cfg.ID))
					conn.MarkStopped()
					return
				}
				if closed.Load() {
					continue
				}
				event, ok := a.normalizeUpdate(cfg.ID, bot.Self, update)
				if !ok {
					continue
				}
				if err := handler(connCtx, cfg, event); err != nil {
					a.logger.Error("handle inbound failed",
						slog.String("config_id", cfg.ID),
						slog.String("event_id", event.EventID),
						slog.Any("error", err),
					)
				}
			}
		}
	}()
	return conn, nil
}

func (a *Adapter) normalizeUpdate(accountID string, self tgbotapi.User, update tgbotapi.Update) (channel.InboundEvent, bool) {
	switch {
	case update.Message != nil:
		return buildInboundEvent(accountID, self, update.Message, false)
	case update.EditedMessage != nil:
		return buildInboundEvent(accountID, self, update.EditedMessage, true)
	case update.ChannelPost != nil:
		return buildInboundEvent(accountID, self, update.ChannelPost, false)
	case update.EditedChannelPost != nil:
		return buildInboundEvent(accountID, self, update.EditedChannelPost, true)
	default:
		return channel.InboundEvent{}, false
	}
}

// Send delivers a message. Text becomes the caption of the first
// attachment; only the first item carries the reply reference.
func (a *Adapter) Send(ctx context.Context, cfg channel.ChannelConfig, msg channel.OutboundMessage) error {
	to := strings.TrimSpace(msg.Target)
	if to == "" {
		return fmt.Errorf("telegram target is required")
	}
	if msg.Message.IsEmpty() {
		return fmt.Errorf("message is required")
	}
	bot, _, err := a.bot(ctx, cfg)
	if err != nil {
		return err
	}
	base, err := baseChat(to)
	if err != nil {
		return err
	}
	if msg.Message.Reply != nil {
		base.ReplyToMessageID = parseMessageID(msg.Message.Reply.MessageID)
		base.AllowSendingWithoutReply = true
	}
	text := strings.ToValidUTF8(strings.TrimSpace(msg.Message.Text), "")
	parseMode := resolveParseMode(msg.Message.Format)

	if len(msg.Message.Attachments) == 0 {
		return sendText(bot, base, text, parseMode)
	}
	caption := ""
	if len(text) <= 1024 {
		caption = text
	}
	for i, att := range msg.Message.Attachments {
		if i > 0 {
			base.ReplyToMessageID = 0
			caption = ""
		}
		if err := sendAttachment(bot, base, att, caption, parseMode); err != nil {
			a.logger.Error("send attachment failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
			return err
		}
	}
	if text != "" && len(text) > 1024 {
		base.ReplyToMessageID = 0
		return sendText(bot, base, text, parseMode)
	}
	return nil
}

func baseChat(target string) (tgbotapi.BaseChat, error) {
	if strings.HasPrefix(target, "@") {
		return tgbotapi.BaseChat{ChannelUsername: target}, nil
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return tgbotapi.BaseChat{}, fmt.Errorf("telegram target must be @username or chat_id")
	}
	return tgbotapi.BaseChat{ChatID: chatID}, nil
}

func parseMessageID(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return 0
	}
	return value
}

func sendText(bot *tgbotapi.BotAPI, base tgbotapi.BaseChat, text, parseMode string) error {
	if text == "" {
		return nil
	}
	_, err := bot.Send(tgbotapi.MessageConfig{BaseChat: base, Text: text, ParseMode: parseMode})
	if err != nil && parseMode != "" && isParseError(err) {
		// Retry as plain text when the markup is rejected.
		_, err = bot.Send(tgbotapi.MessageConfig{BaseChat: base, Text: text})
	}
	return err
}

func isParseError(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "parse")
}

func fileData(att channel.Attachment) (tgbotapi.RequestFileData, error) {
	switch {
	case len(att.Data) > 0:
		name := strings.TrimSpace(att.Name)
		if name == "" {
			name = string(att.Type)
		}
		return tgbotapi.FileBytes{Name: name, Bytes: att.Data}, nil
	case strings.TrimSpace(att.URL) != "":
		return tgbotapi.FileURL(strings.TrimSpace(att.URL)), nil
	case strings.TrimSpace(att.PlatformKey) != "":
		return tgbotapi.FileID(strings.TrimSpace(att.PlatformKey)), nil
	default:
		return nil, fmt.Errorf("attachment reference is required")
	}
}

func sendAttachment(bot *tgbotapi.BotAPI, base tgbotapi.BaseChat, att channel.Attachment, caption, parseMode string) error {
	file, err := fileData(att)
	if err != nil {
		return err
	}
	bf := tgbotapi.BaseFile{BaseChat: base, File: file}
	var cfg tgbotapi.Chattable
	switch att.Type {
	case channel.AttachmentImage:
		cfg = tgbotapi.PhotoConfig{BaseFile: bf, Caption: caption, ParseMode: parseMode}
	case channel.AttachmentAudio:
		cfg = tgbotapi.AudioConfig{BaseFile: bf, Caption: caption, ParseMode: parseMode, Duration: int(att.DurationMs / 1000)}
	case channel.AttachmentVoice:
		cfg = tgbotapi.VoiceConfig{BaseFile: bf, Caption: caption, ParseMode: parseMode, Duration: int(att.DurationMs / 1000)}
	case channel.AttachmentVideo:
		cfg = tgbotapi.VideoConfig{BaseFile: bf, Caption: caption, ParseMode: parseMode, Duration: int(att.DurationMs / 1000)}
	case channel.AttachmentGIF:
		cfg = tgbotapi.AnimationConfig{BaseFile: bf, Caption: caption, ParseMode: parseMode}
	case channel.AttachmentFile, "":
		cfg = tgbotapi.DocumentConfig{BaseFile: bf, Caption: caption, ParseMode: parseMode}
	default:
		return fmt.Errorf("unsupported attachment type: %s", att.Type)
	}
	_, err = bot.Send(cfg)
	return err
}

func resolveParseMode(format channel.MessageFormat) string {
	if format == channel.MessageFormatMarkdown {
		return tgbotapi.ModeMarkdown
	}
	return ""
}

// SetTyping sends the typing chat action. Telegram clears it on its own,
// so turning it off is a no-op.
func (a *Adapter) SetTyping(ctx context.Context, cfg channel.ChannelConfig, target string, typing bool) error {
	if !typing {
		return nil
	}
	bot, _, err := a.bot(ctx, cfg)
	if err != nil {
		return err
	}
	base, err := baseChat(strings.TrimSpace(target))
	if err != nil {
		return err
	}
	_, err = bot.Request(tgbotapi.ChatActionConfig{BaseChat: base, Action: tgbotapi.ChatTyping})
	return err
}

// React sets the bot's reaction on a message.
func (a *Adapter) React(ctx context.Context, cfg channel.ChannelConfig, target string, messageID string, emoji string) error {
	bot, _, err := a.bot(ctx, cfg)
	if err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", strings.TrimSpace(target))
	params.AddNonEmpty("message_id", strings.TrimSpace(messageID))
	params.AddNonEmpty("reaction", fmt.Sprintf(`[{"type":"emoji","emoji":%q}]`, emoji))
	_, err = bot.MakeRequest("setMessageReaction", params)
	return err
}

// ResolveAttachment downloads an inbound file by its file id.
func (a *Adapter) ResolveAttachment(ctx context.Context, cfg channel.ChannelConfig, attachment channel.Attachment) (channel.AttachmentPayload, error) {
	fileID := strings.TrimSpace(attachment.PlatformKey)
	downloadURL := strings.TrimSpace(attachment.URL)
	if fileID == "" && downloadURL == "" {
		return channel.AttachmentPayload{}, fmt.Errorf("telegram attachment requires platform_key or url")
	}
	if downloadURL == "" {
		bot, _, err := a.bot(ctx, cfg)
		if err != nil {
			return channel.AttachmentPayload{}, err
		}
		downloadURL, err = bot.GetFileDirectURL(fileID)
		if err != nil {
			return channel.AttachmentPayload{}, fmt.Errorf("resolve telegram file url: %w", err)
		}
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
		mime = strings.TrimSpace(resp.Header.Get("Content-Type"))
		if idx := strings.Index(mime, ";"); idx >= 0 {
			mime = strings.TrimSpace(mime[:idx])
		}
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

// slogBotLogger routes the library's internal logging through slog.
type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
