// Package matrix implements the Matrix client-server API channel adapter.
package matrix

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/memohai/chatgate/internal/channel"
)

// Type is the registered channel type for Matrix.
const Type channel.ChannelType = "matrix"

const (
	maxMessageLength = 16000
	typingTimeout    = 30 * time.Second
	roomCacheSize    = 1024
	maxSyncBackoff   = 30 * time.Second
)

// Adapter implements channel.Receiver, channel.Sender, channel.Reactor,
// channel.TypingNotifier, channel.ReadReceipter and
// channel.AttachmentResolver for Matrix.
type Adapter struct {
	logger     *slog.Logger
	clients    *channel.ClientPool[*mautrix.Client]
	httpClient *http.Client
	rooms      *lru.Cache[string, roomInfo]
	sent       *expirable.LRU[id.EventID, struct{}]
}

// NewAdapter creates a Matrix adapter.
func NewAdapter(log *slog.Logger, client *http.Client) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	// Room info is fetched once per room and kept for the process lifetime;
	// membership changes after the first lookup are not reflected.
	rooms, _ := lru.New[string, roomInfo](roomCacheSize)
	return &Adapter{
		logger:     log.With(slog.String("adapter", "matrix")),
		clients:    channel.NewClientPool[*mautrix.Client](),
		httpClient: client,
		rooms:      rooms,
		sent:       expirable.NewLRU[id.EventID, struct{}](4096, nil, 24*time.Hour),
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Matrix",
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Markdown:    true,
			Attachments: true,
			Reply:       true,
			Threads:     true,
			Reactions:   true,
			Typing:      true,
			ReadReceipt: true,
			Encryption:  true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: maxMessageLength,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

func (a *Adapter) client(ctx context.Context, cfg channel.ChannelConfig) (*mautrix.Client, Config, error) {
	matrixCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, Config{}, err
	}
	client, err := a.clients.Acquire(ctx, matrixCfg.poolKey(), func(context.Context) (*mautrix.Client, error) {
		client, err := mautrix.NewClient(matrixCfg.Homeserver, matrixCfg.UserID, matrixCfg.AccessToken)
		if err != nil {
			a.logger.Error("create client failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
			return nil, err
		}
		client.Client = a.httpClient
		client.Log = newClientLogger(a.logger)
		return client, nil
	})
	return client, matrixCfg, err
}

func selfIdentity(cfg Config) channel.Identity {
	localpart, _, _ := cfg.UserID.Parse()
	display := cfg.DisplayName
	if display == "" {
		display = localpart
	}
	return channel.Identity{ID: cfg.UserID.String(), Username: localpart, DisplayName: display}
}

// Connect verifies the access token and starts the sync loop. Sync errors
// are retried with backoff until Stop.
func (a *Adapter) Connect(ctx context.Context, cfg channel.ChannelConfig, handler channel.InboundHandler) (channel.Connection, error) {
	client, matrixCfg, err := a.client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	who, err := client.Whoami(ctx)
	if err != nil {
		a.clients.Remove(matrixCfg.poolKey())
		return nil, fmt.Errorf("matrix whoami: %w", err)
	}
	if who.UserID != matrixCfg.UserID {
		a.clients.Remove(matrixCfg.poolKey())
		return nil, fmt.Errorf("matrix access token belongs to %s, not %s", who.UserID, matrixCfg.UserID)
	}
	client.DeviceID = who.DeviceID
	self := selfIdentity(matrixCfg)

	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var closed atomic.Bool
	done := make(chan struct{})

	onMessage := func(evtCtx context.Context, evt *event.Event) {
		if closed.Load() {
			return
		}
		info := a.room(evtCtx, cfg.ID, client, evt.RoomID)
		inbound, ok := buildInboundEvent(cfg.ID, self, evt, info)
		if !ok {
			return
		}
		inbound.ReplyToSelf = a.isOwnEvent(evtCtx, client, evt.RoomID, inbound.ReplyToID)
		if err := handler(syncCtx, cfg, inbound); err != nil {
			a.logger.Error("handle inbound failed",
				slog.String("config_id", cfg.ID),
				slog.String("event_id", inbound.EventID),
				slog.Any("error", err),
			)
		}
	}
	syncer := mautrix.NewDefaultSyncer()
	for _, t := range []event.Type{event.EventMessage, event.EventSticker, event.EventEncrypted, pollStartUnstable, pollStartStable} {
		syncer.OnEventType(t, onMessage)
	}
	syncer.OnEventType(event.StateMember, func(evtCtx context.Context, evt *event.Event) {
		if !matrixCfg.AutoJoin || closed.Load() || evt.GetStateKey() != matrixCfg.UserID.String() {
			return
		}
		if evt.Content.AsMember().Membership != event.MembershipInvite {
			return
		}
		if _, err := client.JoinRoomByID(evtCtx, evt.RoomID); err != nil {
			a.logger.Warn("auto join failed", slog.String("room_id", evt.RoomID.String()), slog.Any("error", err))
			return
		}
		a.logger.Info("joined room on invite", slog.String("config_id", cfg.ID), slog.String("room_id", evt.RoomID.String()))
	})
	client.Syncer = syncer

	go func() {
		defer close(done)
		backoff := time.Second
		for {
			err := client.SyncWithContext(syncCtx)
			if syncCtx.Err() != nil {
				return
			}
			a.logger.Warn("sync stopped, retrying",
				slog.String("config_id", cfg.ID),
				slog.Duration("backoff", backoff),
				slog.Any("error", err),
			)
			select {
			case <-syncCtx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxSyncBackoff)
		}
	}()
	a.logger.Info("sync started", slog.String("config_id", cfg.ID), slog.String("user_id", matrixCfg.UserID.String()))

	return channel.NewConnection(cfg, func(stopCtx context.Context) error {
		closed.Store(true)
		cancel()
		client.StopSync()
		a.clients.Remove(matrixCfg.poolKey())
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}), nil
}

func roomCacheKey(configID string, roomID id.RoomID) string {
	return configID + "|" + roomID.String()
}

// room returns cached room metadata. Rooms with exactly two joined members
// are treated as direct chats.
func (a *Adapter) room(ctx context.Context, configID string, client *mautrix.Client, roomID id.RoomID) roomInfo {
	key := roomCacheKey(configID, roomID)
	if info, ok := a.rooms.Get(key); ok {
		return info
	}
	var info roomInfo
	var name event.RoomNameEventContent
	if err := client.StateEvent(ctx, roomID, event.StateRoomName, "", &name); err == nil {
		info.Name = strings.TrimSpace(name.Name)
	}
	var alias event.CanonicalAliasEventContent
	if err := client.StateEvent(ctx, roomID, event.StateCanonicalAlias, "", &alias); err == nil {
		info.Alias = alias.Alias.String()
	}
	members, err := client.JoinedMembers(ctx, roomID)
	if err != nil {
		a.logger.Debug("joined members lookup failed", slog.String("room_id", roomID.String()), slog.Any("error", err))
		return info
	}
	info.DM = len(members.Joined) == 2
	info.Members = make(map[id.UserID]string, len(members.Joined))
	for userID, member := range members.Joined {
		info.Members[userID] = member.DisplayName
	}
	a.rooms.Add(key, info)
	return info
}

func (a *Adapter) isOwnEvent(ctx context.Context, client *mautrix.Client, roomID id.RoomID, eventID string) bool {
	if eventID == "" {
		return false
	}
	if a.sent.Contains(id.EventID(eventID)) {
		return true
	}
	parent, err := client.GetEvent(ctx, roomID, id.EventID(eventID))
	if err != nil || parent == nil {
		return false
	}
	return parent.Sender == client.UserID
}

func (a *Adapter) resolveRoom(ctx context.Context, client *mautrix.Client, target string) (id.RoomID, error) {
	target = strings.TrimSpace(target)
	switch {
	case strings.HasPrefix(target, "!"):
		return id.RoomID(target), nil
	case strings.HasPrefix(target, "#"):
		resp, err := client.ResolveAlias(ctx, id.RoomAlias(target))
		if err != nil {
			return "", fmt.Errorf("resolve alias %s: %w", target, err)
		}
		return resp.RoomID, nil
	default:
		return "", fmt.Errorf("matrix target must be a room id or alias")
	}
}

// Send posts the text first and then each attachment. Only the first event
// carries the reply relation; every event carries the thread relation.
func (a *Adapter) Send(ctx context.Context, cfg channel.ChannelConfig, msg channel.OutboundMessage) error {
	if msg.Message.IsEmpty() {
		return fmt.Errorf("message is required")
	}
	client, _, err := a.client(ctx, cfg)
	if err != nil {
		return err
	}
	roomID, err := a.resolveRoom(ctx, client, msg.Target)
	if err != nil {
		return err
	}
	uploads, links := splitAttachmentLinks(msg.Message.Attachments)
	text := strings.TrimSpace(strings.Join(append([]string{strings.TrimSpace(msg.Message.Text)}, links...), "\n"))

	relation := msg.Message
	send := func(content *event.MessageEventContent) error {
		applyRelation(content, relation)
		resp, err := client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
		if err != nil {
			return err
		}
		a.sent.Add(resp.EventID, struct{}{})
		relation.Reply = nil
		return nil
	}
	if text != "" {
		if err := send(textContent(msg.Message, text)); err != nil {
			return err
		}
	}
	for _, att := range uploads {
		uri := id.ContentURIString(strings.TrimSpace(att.URL))
		if len(att.Data) > 0 {
			mime := att.Mime
			if mime == "" {
				mime = "application/octet-stream"
			}
			resp, err := client.UploadBytesWithName(ctx, att.Data, mime, att.Name)
			if err != nil {
				return fmt.Errorf("upload media: %w", err)
			}
			uri = resp.ContentURI.CUString()
			if att.Size == 0 {
				att.Size = int64(len(att.Data))
			}
		}
		if err := send(mediaContent(att, uri)); err != nil {
			a.logger.Error("send attachment failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
			return err
		}
	}
	return nil
}

func (a *Adapter) SetTyping(ctx context.Context, cfg channel.ChannelConfig, target string, typing bool) error {
	client, _, err := a.client(ctx, cfg)
	if err != nil {
		return err
	}
	roomID, err := a.resolveRoom(ctx, client, target)
	if err != nil {
		return err
	}
	_, err = client.UserTyping(ctx, roomID, typing, typingTimeout)
	return err
}

func (a *Adapter) MarkRead(ctx context.Context, cfg channel.ChannelConfig, target string, messageID string) error {
	client, _, err := a.client(ctx, cfg)
	if err != nil {
		return err
	}
	roomID, err := a.resolveRoom(ctx, client, target)
	if err != nil {
		return err
	}
	return client.MarkRead(ctx, roomID, id.EventID(messageID))
}

func (a *Adapter) React(ctx context.Context, cfg channel.ChannelConfig, target string, messageID string, emoji string) error {
	client, _, err := a.client(ctx, cfg)
	if err != nil {
		return err
	}
	roomID, err := a.resolveRoom(ctx, client, target)
	if err != nil {
		return err
	}
	_, err = client.SendReaction(ctx, roomID, id.EventID(messageID), emoji)
	return err
}

// ResolveAttachment downloads media from the content repository. Encrypted
// media is returned as ciphertext with a Decrypt function.
func (a *Adapter) ResolveAttachment(ctx context.Context, cfg channel.ChannelConfig, attachment channel.Attachment) (channel.AttachmentPayload, error) {
	uri, err := id.ParseContentURI(strings.TrimSpace(attachment.URL))
	if err != nil {
		return channel.AttachmentPayload{}, fmt.Errorf("matrix attachment url: %w", err)
	}
	client, _, err := a.client(ctx, cfg)
	if err != nil {
		return channel.AttachmentPayload{}, err
	}
	resp, err := client.Download(ctx, uri)
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
	payload := channel.AttachmentPayload{
		Reader: resp.Body,
		Mime:   strings.TrimSpace(attachment.Mime),
		Name:   strings.TrimSpace(attachment.Name),
		Size:   max(attachment.Size, resp.ContentLength),
	}
	if file, ok := attachment.Metadata[metaEncryptedFile].(*event.EncryptedFileInfo); ok && file != nil {
		payload.Decrypt = decryptor(file)
		// The declared mime applies to the plaintext.
	} else if payload.Mime == "" {
		payload.Mime, _, _ = strings.Cut(resp.Header.Get("Content-Type"), ";")
	}
	return payload, nil
}

func decryptor(file *event.EncryptedFileInfo) func([]byte) ([]byte, error) {
	return func(ciphertext []byte) ([]byte, error) {
		if err := file.PrepareForDecryption(); err != nil {
			return nil, err
		}
		if err := file.DecryptInPlace(ciphertext); err != nil {
			return nil, err
		}
		return ciphertext, nil
	}
}
