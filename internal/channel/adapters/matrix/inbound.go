package matrix

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/memohai/chatgate/internal/channel"
)

var (
	pollStartUnstable = event.Type{Type: "org.matrix.msc3381.poll.start", Class: event.MessageEventType}
	pollStartStable   = event.Type{Type: "m.poll.start", Class: event.MessageEventType}
)

// metaEncryptedFile is the Attachment.Metadata key carrying the
// *event.EncryptedFileInfo needed to decrypt the download.
const metaEncryptedFile = "encrypted_file"

var (
	replyFallbackHTML = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	userPill          = regexp.MustCompile(`https://matrix\.to/#/(@[^"'/?<>\s]+)`)
)

// roomInfo is the cached metadata of a joined room.
type roomInfo struct {
	Name    string
	Alias   string
	DM      bool
	Members map[id.UserID]string
}

func buildInboundEvent(accountID string, self channel.Identity, evt *event.Event, room roomInfo) (channel.InboundEvent, bool) {
	if evt == nil || evt.RoomID == "" || evt.Sender == "" {
		return channel.InboundEvent{}, false
	}
	out := channel.InboundEvent{
		Channel:   Type,
		AccountID: accountID,
		EventID:   evt.ID.String(),
		Self:      self,
		Sender:    senderIdentity(evt.Sender, room),
		Conversation: channel.Conversation{
			ID:    evt.RoomID.String(),
			Kind:  channel.ChatKindGroup,
			Name:  room.Name,
			Alias: room.Alias,
		},
		Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
		Age:       time.Duration(evt.Unsigned.Age) * time.Millisecond,
		Redacted:  evt.Unsigned.RedactedBecause != nil,
		Kind:      channel.ContentUnsupported,
	}
	if room.DM {
		out.Conversation.Kind = channel.ChatKindDM
	}

	switch evt.Type {
	case event.EventEncrypted:
		out.Encrypted = true
		return out, true
	case pollStartUnstable, pollStartStable:
		if poll := parsePoll(evt.Content.VeryRaw); poll != nil {
			out.Kind = channel.ContentPoll
			out.Poll = poll
		}
		return out, true
	}

	content := evt.Content.AsMessage()
	if content == nil {
		return out, true
	}
	if rel := content.RelatesTo; rel != nil {
		if rel.GetReplaceID() != "" {
			out.Edit = true
			if content.NewContent != nil {
				content = content.NewContent
			}
		}
		out.ReplyToID = rel.GetReplyTo().String()
		out.ThreadID = rel.GetThreadParent().String()
	}
	if content.Mentions != nil {
		for _, userID := range content.Mentions.UserIDs {
			out.Mentions = append(out.Mentions, userID.String())
		}
		if content.Mentions.Room {
			out.Mentions = append(out.Mentions, "@room")
		}
	}
	out.Mentions = appendPillMentions(out.Mentions, content.FormattedBody)
	text := messageText(content)

	msgType := content.MsgType
	if evt.Type == event.EventSticker {
		msgType = event.MsgImage
	}
	switch msgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		out.Text = text
		if out.Text != "" {
			out.Kind = channel.ContentText
		}
	case event.MsgLocation:
		if loc, ok := channel.ParseGeoURI(content.GeoURI); ok {
			loc.Name = strings.TrimSpace(content.Body)
			out.Kind = channel.ContentLocation
			out.Location = loc
		}
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		att, ok := buildAttachment(msgType, content, evt.Content.Raw)
		if !ok {
			return out, true
		}
		out.Kind = channel.ContentMedia
		out.Attachments = []channel.Attachment{att}
		out.Encrypted = att.Encrypted
		if content.FileName != "" && content.FileName != content.Body {
			out.Text = text
		}
	}
	return out, true
}

func senderIdentity(userID id.UserID, room roomInfo) channel.Identity {
	localpart, _, _ := userID.Parse()
	display := strings.TrimSpace(room.Members[userID])
	if display == "" {
		display = localpart
	}
	return channel.Identity{
		ID:          userID.String(),
		Username:    localpart,
		DisplayName: display,
	}
}

// messageText prefers the HTML body rendered as Markdown and drops reply
// fallbacks from either form.
func messageText(content *event.MessageEventContent) string {
	if content.Format == event.FormatHTML && strings.TrimSpace(content.FormattedBody) != "" {
		html := replyFallbackHTML.ReplaceAllString(content.FormattedBody, "")
		if md, err := htmltomarkdown.ConvertString(html); err == nil && strings.TrimSpace(md) != "" {
			return strings.TrimSpace(md)
		}
	}
	return stripReplyFallback(content.Body)
}

// stripReplyFallback removes the leading "> " quote block clients prepend
// to replies.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
		i++
	}
	if i > 0 && i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		lines = lines[i+1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func appendPillMentions(mentions []string, formatted string) []string {
	for _, m := range userPill.FindAllStringSubmatch(formatted, -1) {
		userID, err := url.PathUnescape(m[1])
		if err != nil {
			continue
		}
		mentions = append(mentions, userID)
	}
	return mentions
}

func buildAttachment(msgType event.MessageType, content *event.MessageEventContent, raw map[string]any) (channel.Attachment, bool) {
	att := channel.Attachment{
		Name: content.FileName,
		URL:  string(content.URL),
	}
	if att.Name == "" {
		att.Name = strings.TrimSpace(content.Body)
	}
	if content.File != nil {
		att.URL = string(content.File.URL)
		att.Encrypted = true
		att.Metadata = map[string]any{metaEncryptedFile: content.File}
	}
	if att.URL == "" {
		return channel.Attachment{}, false
	}
	switch msgType {
	case event.MsgImage:
		att.Type = channel.AttachmentImage
	case event.MsgVideo:
		att.Type = channel.AttachmentVideo
	case event.MsgAudio:
		att.Type = channel.AttachmentAudio
		if _, voice := raw["org.matrix.msc3245.voice"]; voice {
			att.Type = channel.AttachmentVoice
		}
	default:
		att.Type = channel.AttachmentFile
	}
	if info := content.Info; info != nil {
		att.Mime = info.MimeType
		att.Size = int64(info.Size)
		att.Width = info.Width
		att.Height = info.Height
		att.DurationMs = int64(info.Duration)
		if att.Type == channel.AttachmentImage && info.MimeType == "image/gif" {
			att.Type = channel.AttachmentGIF
		}
	}
	return att, true
}

type pollText struct {
	Unstable string `json:"org.matrix.msc1767.text"`
	Text     []struct {
		Body string `json:"body"`
	} `json:"m.text"`
}

func (t pollText) String() string {
	if t.Unstable != "" {
		return t.Unstable
	}
	if len(t.Text) > 0 {
		return t.Text[0].Body
	}
	return ""
}

type pollStart struct {
	Question      pollText `json:"question"`
	MaxSelections int      `json:"max_selections"`
	Answers       []struct {
		pollText
		ID string `json:"id"`
	} `json:"answers"`
}

func parsePoll(raw json.RawMessage) *channel.Poll {
	var envelope struct {
		Unstable *pollStart `json:"org.matrix.msc3381.poll.start"`
		Stable   *pollStart `json:"m.poll"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	start := envelope.Unstable
	if start == nil {
		start = envelope.Stable
	}
	if start == nil {
		return nil
	}
	poll := &channel.Poll{
		Question: strings.TrimSpace(start.Question.String()),
		Multiple: start.MaxSelections > 1,
	}
	for _, answer := range start.Answers {
		if text := strings.TrimSpace(answer.String()); text != "" {
			poll.Options = append(poll.Options, text)
		}
	}
	if poll.Question == "" {
		return nil
	}
	return poll
}
