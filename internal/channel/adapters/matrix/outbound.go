package matrix

import (
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/memohai/chatgate/internal/channel"
)

// textContent renders msg.Text, converting Markdown to HTML when asked.
func textContent(msg channel.Message, text string) *event.MessageEventContent {
	var content event.MessageEventContent
	if msg.Format == channel.MessageFormatMarkdown {
		content = format.RenderMarkdown(text, true, false)
	} else {
		content = event.MessageEventContent{MsgType: event.MsgText, Body: text}
	}
	return &content
}

func mediaContent(att channel.Attachment, uri id.ContentURIString) *event.MessageEventContent {
	name := strings.TrimSpace(att.Name)
	if name == "" {
		name = string(att.Type)
	}
	content := &event.MessageEventContent{
		Body:     name,
		FileName: name,
		URL:      uri,
		Info: &event.FileInfo{
			MimeType: att.Mime,
			Size:     int(att.Size),
			Width:    att.Width,
			Height:   att.Height,
			Duration: int(att.DurationMs),
		},
	}
	switch att.Type {
	case channel.AttachmentImage, channel.AttachmentGIF:
		content.MsgType = event.MsgImage
	case channel.AttachmentVideo:
		content.MsgType = event.MsgVideo
	case channel.AttachmentAudio:
		content.MsgType = event.MsgAudio
	case channel.AttachmentVoice:
		content.MsgType = event.MsgAudio
		content.MSC3245Voice = &event.MSC3245Voice{}
		content.MSC1767Audio = &event.MSC1767Audio{Duration: int(att.DurationMs)}
	default:
		content.MsgType = event.MsgFile
	}
	return content
}

// applyRelation attaches reply and thread relations. Threaded sends keep a
// reply fallback for clients without thread support.
func applyRelation(content *event.MessageEventContent, msg channel.Message) {
	replyTo := ""
	if msg.Reply != nil {
		replyTo = strings.TrimSpace(msg.Reply.MessageID)
	}
	threadRoot := ""
	if msg.Thread != nil {
		threadRoot = strings.TrimSpace(msg.Thread.ID)
	}
	switch {
	case threadRoot != "":
		rel := &event.RelatesTo{
			Type:          event.RelThread,
			EventID:       id.EventID(threadRoot),
			IsFallingBack: replyTo == "",
			InReplyTo:     &event.InReplyTo{EventID: id.EventID(threadRoot)},
		}
		if replyTo != "" {
			rel.InReplyTo.EventID = id.EventID(replyTo)
		}
		content.RelatesTo = rel
	case replyTo != "":
		content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)}}
	}
}

// splitAttachmentLinks separates attachments to post as media from plain links
// that are appended to the text body.
func splitAttachmentLinks(atts []channel.Attachment) (upload []channel.Attachment, links []string) {
	for _, att := range atts {
		ref := strings.TrimSpace(att.URL)
		switch {
		case len(att.Data) > 0, strings.HasPrefix(ref, "mxc://"):
			upload = append(upload, att)
		case ref != "":
			links = append(links, ref)
		}
	}
	return upload, links
}
