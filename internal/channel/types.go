// Package channel provides a unified abstraction for multi-platform messaging channels.
// It defines the normalized inbound event, the context handed to the agent layer,
// adapter interfaces, and a registry for adapters such as Telegram and Matrix.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "telegram", "matrix").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// ChatKind classifies a conversation as a direct message or a group.
type ChatKind string

const (
	ChatKindDM    ChatKind = "dm"
	ChatKindGroup ChatKind = "group"
)

// ContentKind is the tag of the normalized inbound content variant.
type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentMedia       ContentKind = "media"
	ContentLocation    ContentKind = "location"
	ContentPoll        ContentKind = "poll"
	ContentUnsupported ContentKind = "unsupported"
)

// Identity represents a user's identity on a channel.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// IsZero reports whether the identity carries no identifying field.
func (i Identity) IsZero() bool {
	return strings.TrimSpace(i.ID) == "" &&
		strings.TrimSpace(i.Username) == "" &&
		strings.TrimSpace(i.DisplayName) == ""
}

// Label returns the best human-readable name, falling back to the raw id.
func (i Identity) Label() string {
	if name := strings.TrimSpace(i.DisplayName); name != "" {
		return name
	}
	if name := strings.TrimSpace(i.Username); name != "" {
		return name
	}
	return strings.TrimSpace(i.ID)
}

// Conversation holds metadata about the chat or group context.
type Conversation struct {
	ID    string   `json:"id"`
	Kind  ChatKind `json:"kind"`
	Name  string   `json:"name,omitempty"`
	Alias string   `json:"alias,omitempty"`
}

// Location is a shared geographic point.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Poll is a question with a fixed set of answers.
type Poll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Multiple bool     `json:"multiple,omitempty"`
}

// AttachmentType classifies the kind of binary attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
	AttachmentVoice AttachmentType = "voice"
	AttachmentFile  AttachmentType = "file"
	AttachmentGIF   AttachmentType = "gif"
)

// Attachment is a transport-specific reference to a binary payload.
// The bytes are fetched later through the adapter's AttachmentResolver.
type Attachment struct {
	Type        AttachmentType `json:"type"`
	URL         string         `json:"url,omitempty"`
	PlatformKey string         `json:"platform_key,omitempty"`
	Name        string         `json:"name,omitempty"`
	Size        int64          `json:"size,omitempty"`
	Mime        string         `json:"mime,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
	Encrypted   bool           `json:"encrypted,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	// Data holds loaded bytes for outbound uploads.
	Data []byte `json:"-"`
}

// Reference returns the strongest available attachment reference.
func (a Attachment) Reference() string {
	if strings.TrimSpace(a.URL) != "" {
		return strings.TrimSpace(a.URL)
	}
	return strings.TrimSpace(a.PlatformKey)
}

// InboundEvent is the normalized shape every adapter produces.
// Kind selects which of Text, Attachments, Location and Poll is meaningful.
type InboundEvent struct {
	Channel      ChannelType
	AccountID    string
	EventID      string
	Self         Identity
	Sender       Identity
	Conversation Conversation
	Kind         ContentKind
	Text         string
	// Mentions lists the ids/handles the transport marked as mentioned.
	Mentions    []string
	ReplyToSelf bool
	ReplyToID   string
	ThreadID    string
	Timestamp   time.Time
	// Age is the transport-reported age, used when Timestamp is unreliable.
	Age          time.Duration
	Attachments  []Attachment
	Location     *Location
	Poll         *Poll
	MediaGroupID string
	Redacted     bool
	Edit         bool
	Encrypted    bool
}

// ConversationKey returns the stable key for the conversation this event belongs to.
func (e InboundEvent) ConversationKey() string {
	return strings.Join([]string{e.Channel.String(), string(e.Conversation.Kind), strings.TrimSpace(e.Conversation.ID)}, ":")
}

// RoomConfig is the per-group policy record.
type RoomConfig struct {
	Allowed        *bool    `json:"allowed,omitempty"`
	RequireMention *bool    `json:"require_mention,omitempty"`
	AutoReply      *bool    `json:"auto_reply,omitempty"`
	Users          []string `json:"users,omitempty"`
	Skills         []string `json:"skills,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
}

// DMPolicy controls who may talk to the bot in direct messages.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how group messages are admitted.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyDisabled  GroupPolicy = "disabled"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
)

// AckScope selects which admitted messages receive an acknowledgement reaction.
type AckScope string

const (
	AckScopeAll           AckScope = "all"
	AckScopeDirect        AckScope = "direct"
	AckScopeGroupAll      AckScope = "group-all"
	AckScopeGroupMentions AckScope = "group-mentions"
	AckScopeOff           AckScope = "off"
)

// ReplyToMode controls which delivered messages carry reply linkage.
type ReplyToMode string

const (
	ReplyToOff   ReplyToMode = "off"
	ReplyToFirst ReplyToMode = "first"
	ReplyToAll   ReplyToMode = "all"
)

// AccessPolicy is the per-account authorization and delivery configuration.
type AccessPolicy struct {
	DMPolicy           DMPolicy              `json:"dm_policy"`
	GroupPolicy        GroupPolicy           `json:"group_policy"`
	AllowFrom          []string              `json:"allow_from,omitempty"`
	GroupAllowFrom     []string              `json:"group_allow_from,omitempty"`
	RequireMention     *bool                 `json:"require_mention,omitempty"`
	MentionPatterns    []string              `json:"mention_patterns,omitempty"`
	UseAccessGroups    bool                  `json:"use_access_groups"`
	TextCommands       bool                  `json:"text_commands"`
	Commands           []string              `json:"commands,omitempty"`
	StartupGrace       time.Duration         `json:"startup_grace"`
	ReplyToMode        ReplyToMode           `json:"reply_to_mode"`
	TextChunkLimit     int                   `json:"text_chunk_limit"`
	ChunkerMode        ChunkerMode           `json:"chunker_mode"`
	MediaMaxBytes      int64                 `json:"media_max_bytes"`
	AckReaction        string                `json:"ack_reaction,omitempty"`
	AckScope           AckScope              `json:"ack_scope"`
	AckOnCommandBypass bool                  `json:"ack_on_command_bypass"`
	ReadReceipts       bool                  `json:"read_receipts"`
	Rooms              map[string]RoomConfig `json:"rooms,omitempty"`
}

// ChannelConfig holds the configuration for one channel account.
// Disabled: true means the account is not connected.
type ChannelConfig struct {
	ID          string         `json:"id"`
	ChannelType ChannelType    `json:"channel_type"`
	Credentials map[string]any `json:"-"`
	Policy      AccessPolicy   `json:"policy"`
	Disabled    bool           `json:"disabled"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// InboundContext is the immutable record handed to the agent layer for one admitted event.
type InboundContext struct {
	Body              string           `json:"body"`
	RawBody           string           `json:"raw_body"`
	MessageID         string           `json:"message_id"`
	SenderID          string           `json:"sender_id"`
	SenderName        string           `json:"sender_name"`
	SenderUsername    string           `json:"sender_username,omitempty"`
	ChannelKind       ChatKind         `json:"channel_kind"`
	ConversationID    string           `json:"conversation_id"`
	ConversationKey   string           `json:"conversation_key"`
	GroupSubject      string           `json:"group_subject,omitempty"`
	GroupSystemPrompt string           `json:"group_system_prompt,omitempty"`
	Skills            []string         `json:"skills,omitempty"`
	ReplyToID         string           `json:"reply_to_id,omitempty"`
	ThreadID          string           `json:"thread_id,omitempty"`
	Media             []MediaReference `json:"media,omitempty"`
	MediaErrors       []string         `json:"media_errors,omitempty"`
	WasMentioned      bool             `json:"was_mentioned"`
	CommandAuthorized bool             `json:"command_authorized"`
	SessionKey        string           `json:"session_key"`
	MainSessionKey    string           `json:"main_session_key,omitempty"`
	AgentID           string           `json:"agent_id,omitempty"`
	AccountID         string           `json:"account_id"`
	Provider          ChannelType      `json:"provider"`
	Surface           string           `json:"surface"`
	Timestamp         time.Time        `json:"timestamp"`
}

// MediaReference points at a persisted inbound attachment.
type MediaReference struct {
	LocalPath   string `json:"local_path"`
	ContentType string `json:"content_type"`
	ByteSize    int64  `json:"byte_size"`
	Kind        string `json:"kind"`
	Placeholder string `json:"placeholder"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// ReplyPayload is one reply produced by the agent layer.
type ReplyPayload struct {
	Text         string   `json:"text,omitempty"`
	MediaURL     string   `json:"media_url,omitempty"`
	MediaURLs    []string `json:"media_urls,omitempty"`
	ReplyToID    string   `json:"reply_to_id,omitempty"`
	AudioAsVoice bool     `json:"audio_as_voice,omitempty"`
}

// Media returns MediaURL followed by MediaURLs, trimmed and without blanks.
func (p ReplyPayload) Media() []string {
	items := make([]string, 0, 1+len(p.MediaURLs))
	if v := strings.TrimSpace(p.MediaURL); v != "" {
		items = append(items, v)
	}
	for _, raw := range p.MediaURLs {
		if v := strings.TrimSpace(raw); v != "" {
			items = append(items, v)
		}
	}
	return items
}

// IsEmpty reports whether the payload carries neither text nor media.
func (p ReplyPayload) IsEmpty() bool {
	return strings.TrimSpace(p.Text) == "" && len(p.Media()) == 0
}

// ThreadRef references a conversation thread by ID.
type ThreadRef struct {
	ID string `json:"id"`
}

// ReplyRef points to a message being replied to.
type ReplyRef struct {
	MessageID string `json:"message_id,omitempty"`
}

// Message is the unified outbound message structure used across all channels.
// Text is the caption when Attachments is non-empty.
type Message struct {
	Format      MessageFormat `json:"format,omitempty"`
	Text        string        `json:"text,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Thread      *ThreadRef    `json:"thread,omitempty"`
	Reply       *ReplyRef     `json:"reply,omitempty"`
}

// IsEmpty reports whether the message carries no content.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Attachments) == 0
}

// MessageFormat indicates how the message text should be rendered.
type MessageFormat string

const (
	MessageFormatPlain    MessageFormat = "plain"
	MessageFormatMarkdown MessageFormat = "markdown"
)

// OutboundMessage pairs a delivery target with the message content.
type OutboundMessage struct {
	Target  string  `json:"target"`
	Message Message `json:"message"`
}
