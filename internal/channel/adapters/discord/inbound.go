package discord

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/chatgate/internal/channel"
)

// channelInfo is the subset of channel metadata used for normalization.
type channelInfo struct {
	Name   string
	Thread bool
}

func buildInboundEvent(accountID string, self *discordgo.User, msg *discordgo.Message, info channelInfo) (channel.InboundEvent, bool) {
	if msg == nil || msg.Author == nil || strings.TrimSpace(msg.ChannelID) == "" {
		return channel.InboundEvent{}, false
	}
	event := channel.InboundEvent{
		Channel:   Type,
		AccountID: accountID,
		EventID:   msg.ID,
		Sender:    userIdentity(msg.Author, msg.Member),
		Conversation: channel.Conversation{
			ID:   msg.ChannelID,
			Kind: channel.ChatKindDM,
		},
		Text:        strings.TrimSpace(msg.Content),
		Timestamp:   msg.Timestamp.UTC(),
		Attachments: collectAttachments(msg.Attachments),
	}
	if self != nil {
		event.Self = userIdentity(self, nil)
	}
	if msg.GuildID != "" {
		event.Conversation.Kind = channel.ChatKindGroup
		event.Conversation.Name = info.Name
		if info.Name != "" {
			event.Conversation.Alias = "#" + info.Name
		}
	}
	if info.Thread {
		event.ThreadID = msg.ChannelID
	}
	for _, user := range msg.Mentions {
		if user != nil && user.ID != "" {
			event.Mentions = append(event.Mentions, user.ID)
		}
	}
	if msg.MessageReference != nil {
		event.ReplyToID = msg.MessageReference.MessageID
	}
	if ref := msg.ReferencedMessage; ref != nil {
		event.ReplyToID = ref.ID
		event.ReplyToSelf = self != nil && ref.Author != nil && ref.Author.ID == self.ID
	}
	switch {
	case msg.Poll != nil:
		event.Kind = channel.ContentPoll
		poll := &channel.Poll{Question: msg.Poll.Question.Text, Multiple: msg.Poll.AllowMultiselect}
		for _, answer := range msg.Poll.Answers {
			if answer.Media != nil {
				poll.Options = append(poll.Options, answer.Media.Text)
			}
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

func userIdentity(user *discordgo.User, member *discordgo.Member) channel.Identity {
	display := strings.TrimSpace(user.GlobalName)
	if member != nil && strings.TrimSpace(member.Nick) != "" {
		display = strings.TrimSpace(member.Nick)
	}
	if display == "" {
		display = user.Username
	}
	return channel.Identity{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: display,
	}
}

func collectAttachments(items []*discordgo.MessageAttachment) []channel.Attachment {
	if len(items) == 0 {
		return nil
	}
	out := make([]channel.Attachment, 0, len(items))
	for _, att := range items {
		if att == nil {
			continue
		}
		attachment := channel.Attachment{
			Type:        channel.AttachmentFile,
			URL:         att.URL,
			PlatformKey: att.ID,
			Name:        att.Filename,
			Mime:        att.ContentType,
			Size:        int64(att.Size),
			DurationMs:  int64(att.DurationSecs * 1000),
		}
		switch ct := att.ContentType; {
		case ct == "image/gif":
			attachment.Type = channel.AttachmentGIF
		case strings.HasPrefix(ct, "image/"):
			attachment.Type = channel.AttachmentImage
			attachment.Width = att.Width
			attachment.Height = att.Height
		case strings.HasPrefix(ct, "video/"):
			attachment.Type = channel.AttachmentVideo
			attachment.Width = att.Width
			attachment.Height = att.Height
		case strings.HasPrefix(ct, "audio/"):
			attachment.Type = channel.AttachmentAudio
			if att.Waveform != "" {
				attachment.Type = channel.AttachmentVoice
			}
		}
		out = append(out, attachment)
	}
	return out
}
