package channel

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// InboundHandler is a callback invoked when a normalized event arrives from a channel.
type InboundHandler func(ctx context.Context, cfg ChannelConfig, event InboundEvent) error

// AttachmentPayload contains resolved attachment bytes and optional metadata.
// Caller must close Reader. When Decrypt is set, Reader yields ciphertext and
// Decrypt must be applied to the complete buffer before use.
type AttachmentPayload struct {
	Reader  io.ReadCloser
	Mime    string
	Name    string
	Size    int64
	Decrypt func(ciphertext []byte) ([]byte, error)
}

// AttachmentResolver resolves attachment references (for example platform_key)
// into readable bytes for persistence.
type AttachmentResolver interface {
	ResolveAttachment(ctx context.Context, cfg ChannelConfig, attachment Attachment) (AttachmentPayload, error)
}

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
// Behavior is expressed through optional interfaces.
type Descriptor struct {
	Type           ChannelType
	DisplayName    string
	Capabilities   ChannelCapabilities
	OutboundPolicy OutboundPolicy
}

// ChannelCapabilities describes what an adapter can do on its platform.
type ChannelCapabilities struct {
	Text        bool `json:"text"`
	Markdown    bool `json:"markdown"`
	Attachments bool `json:"attachments"`
	Reply       bool `json:"reply"`
	Threads     bool `json:"threads"`
	Reactions   bool `json:"reactions"`
	Typing      bool `json:"typing"`
	ReadReceipt bool `json:"read_receipt"`
	Encryption  bool `json:"encryption"`
	Voice       bool `json:"voice"`
}

// Sender is an adapter capable of sending outbound messages.
type Sender interface {
	Send(ctx context.Context, cfg ChannelConfig, msg OutboundMessage) error
}

// Reactor adds emoji reactions on messages.
type Reactor interface {
	React(ctx context.Context, cfg ChannelConfig, target string, messageID string, emoji string) error
}

// TypingNotifier toggles the platform typing indicator for a conversation.
// Indicators that expire on their own are refreshed by the caller.
type TypingNotifier interface {
	SetTyping(ctx context.Context, cfg ChannelConfig, target string, typing bool) error
}

// ReadReceipter marks an inbound message as read.
type ReadReceipter interface {
	MarkRead(ctx context.Context, cfg ChannelConfig, target string, messageID string) error
}

// Receiver is an adapter capable of establishing a long-lived connection to receive messages.
type Receiver interface {
	Connect(ctx context.Context, cfg ChannelConfig, handler InboundHandler) (Connection, error)
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	ConfigID() string
	ChannelType() ChannelType
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	configID    string
	channelType ChannelType
	stop        func(ctx context.Context) error
	running     atomic.Bool
}

// NewConnection creates a BaseConnection for the given config and stop function.
func NewConnection(cfg ChannelConfig, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		configID:    cfg.ID,
		channelType: cfg.ChannelType,
		stop:        stop,
	}
	conn.running.Store(true)
	return conn
}

// ConfigID returns the channel configuration identifier.
func (c *BaseConnection) ConfigID() string {
	return c.configID
}

// ChannelType returns the type of channel this connection serves.
func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

// Stop gracefully shuts down the connection. Only the first call runs the stop function.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	return c.stop(ctx)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}

// MarkStopped flags the connection as no longer running without invoking stop.
// Adapters call it when the transport terminates on its own.
func (c *BaseConnection) MarkStopped() {
	c.running.Store(false)
}
