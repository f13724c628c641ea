package telegram

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/chatgate/internal/channel"
)

// buildInboundEvent normalizes one Telegram message. ok is false for
// messages without a chat.
func buildInboundEvent(accountID string, self tgbotapi.User, msg *tgbotapi.Message, edited bool) (channel.InboundEvent, bool) {
	if msg == nil || msg.Chat == nil {
		return channel.InboundEvent{}, false
	}
	text, entities := msg.Text, msg.Entities
	if strings.TrimSpace(text) == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	event := channel.InboundEvent{
		Channel:      Type,
		AccountID:    accountID,
		EventID:      strconv.Itoa(msg.MessageID),
		Self:         selfIdentity(self),
		Sender:       senderIdentity(msg),
		Conversation: conversation(msg.Chat),
		Text:         strings.TrimSpace(text),
		Mentions:     entityMentions(text, entities),
		Timestamp:    time.Unix(int64(msg.Date), 0).UTC(),
		Attachments:  collectAttachments(msg),
		MediaGroupID: strings.TrimSpace(msg.MediaGroupID),
		Edit:         edited,
	}
	if reply := msg.ReplyToMessage; reply != nil {
		event.ReplyToID = strconv.Itoa(reply.MessageID)
		event.ReplyToSelf = reply.From != nil && self.ID != 0 && reply.From.ID == self.ID
	}
	switch {
	case msg.Venue != nil:
		event.Kind = channel.ContentLocation
		event.Location = &channel.Location{
			Latitude:  msg.Venue.Location.Latitude,
			Longitude: msg.Venue.Location.Longitude,
			Accuracy:  msg.Venue.Location.HorizontalAccuracy,
			Name:      strings.TrimSpace(msg.Venue.Title),
			Address:   strings.TrimSpace(msg.Venue.Address),
		}
	case msg.Location != nil:
		event.Kind = channel.ContentLocation
		event.Location = &channel.Location{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
			Accuracy:  msg.Location.HorizontalAccuracy,
		}
	case msg.Poll != nil:
		event.Kind = channel.ContentPoll
		poll := &channel.Poll{Question: msg.Poll.Question, Multiple: msg.Poll.AllowsMultipleAnswers}
		for _, opt := range msg.Poll.Options {
			poll.Options = append(poll.Options, opt.Text)
		}
		event.Poll = poll
	case len(event.Attachments) > 0:
		event.Kind = channel.ContentMedia
	case event.Text != "":
		event.Kind = channel.ContentText
	default:
		event.Kind = channel.ContentUnsupported
	}
	return event, true
}

func selfIdentity(self tgbotapi.User) channel.Identity {
	if self.ID == 0 {
		return channel.Identity{}
	}
	return channel.Identity{
		ID:          strconv.FormatInt(self.ID, 10),
		Username:    strings.TrimSpace(self.UserName),
		DisplayName: strings.TrimSpace(self.FirstName),
	}
}

func senderIdentity(msg *tgbotapi.Message) channel.Identity {
	if msg.From != nil {
		return channel.Identity{
			ID:          strconv.FormatInt(msg.From.ID, 10),
			Username:    strings.TrimSpace(msg.From.UserName),
			DisplayName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		}
	}
	if msg.SenderChat != nil {
		return channel.Identity{
			ID:          strconv.FormatInt(msg.SenderChat.ID, 10),
			Username:    strings.TrimSpace(msg.SenderChat.UserName),
			DisplayName: strings.TrimSpace(msg.SenderChat.Title),
		}
	}
	return channel.Identity{}
}

func conversation(chat *tgbotapi.Chat) channel.Conversation {
	conv := channel.Conversation{
		ID:   strconv.FormatInt(chat.ID, 10),
		Kind: channel.ChatKindGroup,
		Name: strings.TrimSpace(chat.Title),
	}
	if chat.Type == "private" {
		conv.Kind = channel.ChatKindDM
	}
	if username := strings.TrimSpace(chat.UserName); username != "" {
		conv.Alias = "@" + username
	}
	return conv
}

// entityMentions extracts "@handle" mentions and text_mention user ids.
// Entity offsets count UTF-16 code units.
func entityMentions(text string, entities []tgbotapi.MessageEntity) []string {
	if len(entities) == 0 {
		return nil
	}
	units := utf16.Encode([]rune(text))
	var out []string
	for _, entity := range entities {
		switch entity.Type {
		case "mention":
			end := entity.Offset + entity.Length
			if entity.Offset < 0 || entity.Length <= 0 || end > len(units) {
				continue
			}
			if handle := strings.TrimSpace(string(utf16.Decode(units[entity.Offset:end]))); handle != "" {
				out = append(out, handle)
			}
		case "text_mention":
			if entity.User != nil {
				out = append(out, strconv.FormatInt(entity.User.ID, 10))
			}
		}
	}
	return out
}

func collectAttachments(msg *tgbotapi.Message) []channel.Attachment {
	var out []channel.Attachment
	if len(msg.Photo) > 0 {
		photo := pickPhoto(msg.Photo)
		out = append(out, channel.Attachment{
			Type:        channel.AttachmentImage,
			PlatformKey: photo.FileID,
			Size:        int64(photo.FileSize),
			Width:       photo.Width,
			Height:      photo.Height,
		})
	}
	if d := msg.Document; d != nil {
		out = append(out, channel.Attachment{
			Type:        channel.AttachmentFile,
			PlatformKey: d.FileID,
			Name:        d.FileName,
			Mime:        d.MimeType,
			Size:        int64(d.FileSize),
		})
	}
	if a := msg.Audio; a != nil {
		out = append(out, channel.Attachment{
			Type:        channel.AttachmentAudio,
			PlatformKey: a.FileID,
			Name:        a.FileName,
			Mime:        a.MimeType,
			Size:        int64(a.FileSize),
			DurationMs:  int64(a.Duration) * 1000,
		})
	}
	if v := msg.Voice; v != nil {
		out = append(out, channel.Attachment{
			Type:        channel.AttachmentVoice,
			PlatformKey: v.FileID,
			Mime:        v.MimeType,
			Size:        int64(v.FileSize),
			DurationMs:  int64(v.Duration) * 1000,
		})
	}
	if v := msg.Video; v != nil {
		out = append(out, channel.Attachment{
			Type:        channel.AttachmentVideo,
			PlatformKey: v.FileID,
			Name:        v.FileName,
			Mime:        v.MimeType,
			Size:        int64(v.FileSize),
			Width:       v.Width,
			Height:      v.Height,
			DurationMs:  int64(v.Duration) * 1000,
		})
	}
	if a := msg.Animation; a != nil {
		out = append(out, channel.Attachment{
			Type:        channel.AttachmentGIF,
			PlatformKey: a.FileID,
			Name:        a.FileName,
			Mime:        a.MimeType,
			Size:        int64(a.FileSize),
			Width:       a.Width,
			Height:      a.Height,
			DurationMs:  int64(a.Duration) * 1000,
		})
	}
	if s := msg.Sticker; s != nil {
		out = append(out, channel.Attachment{
			Type:        channel.AttachmentImage,
			PlatformKey: s.FileID,
			Size:        int64(s.FileSize),
			Width:       s.Width,
			Height:      s.Height,
		})
	}
	return out
}

func pickPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize {
			best = item
			continue
		}
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}
