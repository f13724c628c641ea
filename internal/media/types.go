package media

import (
	"context"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
)

// Kind classifies a persisted payload for placeholder text.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// Placeholder is the token substituted into message bodies for this kind.
func (k Kind) Placeholder() string {
	switch k {
	case KindImage, KindVideo, KindAudio:
		return "[" + string(k) + "]"
	default:
		return "[document]"
	}
}

// KindFromMime maps a MIME type onto a Kind. Anything that is not an image,
// video or audio type is a document.
func KindFromMime(mime string) Kind {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	default:
		return KindDocument
	}
}

// AttachmentTypeFor maps a MIME type onto an outbound attachment type.
func AttachmentTypeFor(mime string) channel.AttachmentType {
	switch KindFromMime(mime) {
	case KindImage:
		if strings.EqualFold(strings.TrimSpace(mime), "image/gif") {
			return channel.AttachmentGIF
		}
		return channel.AttachmentImage
	case KindVideo:
		return channel.AttachmentVideo
	case KindAudio:
		return channel.AttachmentAudio
	default:
		return channel.AttachmentFile
	}
}

// Direction separates received media from media staged for sending.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Reference points at a persisted inbound attachment.
type Reference = channel.MediaReference

// Saved describes one payload written to a ContentStore.
type Saved struct {
	Path        string
	ContentType string
	Size        int64
	Hash        string
}

// ContentStore persists media payloads.
type ContentStore interface {
	// SaveBuffer writes data and returns where it landed. Identical content
	// maps to the same path.
	SaveBuffer(ctx context.Context, data []byte, contentType string, direction Direction, maxBytes int64) (Saved, error)
}
