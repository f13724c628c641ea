// Package inbound turns admitted channel events into agent contexts and
// delivers the agent's replies back to the originating conversation.
package inbound

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/policy"
	"github.com/memohai/chatgate/internal/session"
)

// BuildInput is everything the context builder reads for one admitted event.
type BuildInput struct {
	Event       channel.InboundEvent
	Decision    policy.Decision
	Route       session.Route
	Media       []channel.MediaReference
	MediaErrors []string
	// Now resolves the event time when the transport sent no timestamp.
	Now time.Time
}

// BuildContext assembles the immutable context handed to the agent layer.
// It performs no I/O.
func BuildContext(in BuildInput) channel.InboundContext {
	event := in.Event
	kind := in.Decision.Kind
	if kind == "" {
		kind = event.Conversation.Kind
	}
	if kind != channel.ChatKindDM {
		kind = channel.ChatKindGroup
	}
	raw := strings.TrimSpace(in.Decision.Body)
	if raw == "" {
		raw = mediaPlaceholders(in.Media)
	}
	ts := eventTime(event, in.Now)
	senderName := event.Sender.Label()

	var subject, room string
	if kind == channel.ChatKindGroup {
		subject = strings.TrimSpace(event.Conversation.Name)
		room = coalesce(subject, strings.TrimSpace(event.Conversation.Alias), strings.TrimSpace(event.Conversation.ID))
	}

	var body strings.Builder
	body.WriteString(FormatEnvelope(event.Channel, senderName, room, ts))
	body.WriteString(" ")
	body.WriteString(raw)
	body.WriteString("\n")
	body.WriteString(MessageIDSuffix(event.Channel, event.EventID, event.Conversation.ID))

	ctx := channel.InboundContext{
		Body:              body.String(),
		RawBody:           raw,
		MessageID:         strings.TrimSpace(event.EventID),
		SenderID:          strings.TrimSpace(event.Sender.ID),
		SenderName:        senderName,
		SenderUsername:    strings.TrimSpace(event.Sender.Username),
		ChannelKind:       kind,
		ConversationID:    strings.TrimSpace(event.Conversation.ID),
		ConversationKey:   event.ConversationKey(),
		GroupSubject:      subject,
		ReplyToID:         strings.TrimSpace(event.ReplyToID),
		ThreadID:          strings.TrimSpace(event.ThreadID),
		WasMentioned:      in.Decision.WasMentioned,
		CommandAuthorized: in.Decision.CommandAuthorized,
		SessionKey:        in.Route.SessionKey,
		MainSessionKey:    in.Route.MainSessionKey,
		AgentID:           in.Route.AgentID,
		AccountID:         coalesce(in.Route.AccountID, event.AccountID),
		Provider:          event.Channel,
		Surface:           event.Channel.String(),
		Timestamp:         ts,
	}
	if kind == channel.ChatKindGroup && in.Decision.Room.Found() {
		ctx.GroupSystemPrompt = strings.TrimSpace(in.Decision.Room.Config.SystemPrompt)
		ctx.Skills = append([]string(nil), in.Decision.Room.Config.Skills...)
	}
	if len(in.Media) > 0 {
		ctx.Media = append([]channel.MediaReference(nil), in.Media...)
	}
	if len(in.MediaErrors) > 0 {
		ctx.MediaErrors = append([]string(nil), in.MediaErrors...)
	}
	return ctx
}

// FormatEnvelope renders the header prefixed to the agent body, for example
// "[Telegram Alice in Ops 2026-01-02T03:04:05Z]". room is empty for DMs.
func FormatEnvelope(provider channel.ChannelType, sender, room string, ts time.Time) string {
	parts := []string{ProviderLabel(provider)}
	if sender = strings.TrimSpace(sender); sender != "" {
		parts = append(parts, sender)
	}
	if room = strings.TrimSpace(room); room != "" {
		parts = append(parts, "in", room)
	}
	if !ts.IsZero() {
		parts = append(parts, ts.UTC().Format(time.RFC3339))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// MessageIDSuffix lets the agent refer back to the origin event.
func MessageIDSuffix(provider channel.ChannelType, eventID, conversationID string) string {
	return fmt.Sprintf("[%s message id: %s chat: %s]", provider.String(), strings.TrimSpace(eventID), strings.TrimSpace(conversationID))
}

// ProviderLabel is the display form of a channel type.
func ProviderLabel(provider channel.ChannelType) string {
	value := strings.TrimSpace(provider.String())
	if value == "" {
		return "Channel"
	}
	runes := []rune(value)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func mediaPlaceholders(refs []channel.MediaReference) string {
	items := make([]string, 0, len(refs))
	for _, ref := range refs {
		if p := strings.TrimSpace(ref.Placeholder); p != "" {
			items = append(items, p)
		}
	}
	return strings.Join(items, " ")
}

func eventTime(event channel.InboundEvent, now time.Time) time.Time {
	if !event.Timestamp.IsZero() {
		return event.Timestamp.UTC()
	}
	if now.IsZero() {
		return time.Time{}
	}
	return now.Add(-event.Age).UTC()
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
