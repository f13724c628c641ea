package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
)

// DurationProber reports the playback length of an audio or video file.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string, contentType string) (int64, error)
}

// Ingestor downloads inbound attachments through the adapter resolver and
// persists them to a ContentStore.
type Ingestor struct {
	store  ContentStore
	prober DurationProber
	logger *slog.Logger
}

// NewIngestor creates an ingestor. prober may be nil.
func NewIngestor(log *slog.Logger, store ContentStore, prober DurationProber) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		store:  store,
		prober: prober,
		logger: log.With(slog.String("service", "media")),
	}
}

// Ingest fetches one attachment, decrypting it when the transport provides a
// decrypt function, and persists it. Payloads above maxBytes are rejected
// before anything is written.
func (s *Ingestor) Ingest(ctx context.Context, resolver channel.AttachmentResolver, cfg channel.ChannelConfig, att channel.Attachment, maxBytes int64) (Reference, error) {
	if s.store == nil {
		return Reference{}, fmt.Errorf("media store is not configured")
	}
	if resolver == nil {
		return Reference{}, fmt.Errorf("%w: channel %s cannot resolve attachments", ErrDownloadFailed, cfg.ChannelType)
	}
	maxBytes = EffectiveMaxBytes(maxBytes)
	if att.Size > maxBytes {
		return Reference{}, fmt.Errorf("%w: declared %d bytes, max %d", ErrAssetTooLarge, att.Size, maxBytes)
	}

	payload, err := resolver.ResolveAttachment(ctx, cfg, att)
	if err != nil {
		if errors.Is(err, ErrAssetTooLarge) {
			return Reference{}, err
		}
		return Reference{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	if payload.Reader == nil {
		return Reference{}, fmt.Errorf("%w: empty payload", ErrDownloadFailed)
	}
	defer func() {
		_ = payload.Reader.Close()
	}()
	if payload.Size > maxBytes {
		return Reference{}, fmt.Errorf("%w: declared %d bytes, max %d", ErrAssetTooLarge, payload.Size, maxBytes)
	}

	data, err := ReadAllWithLimit(payload.Reader, maxBytes)
	if err != nil {
		if errors.Is(err, ErrAssetTooLarge) {
			return Reference{}, err
		}
		return Reference{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	if payload.Decrypt != nil {
		data, err = payload.Decrypt(data)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
		}
	}
	if int64(len(data)) > maxBytes {
		return Reference{}, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}

	declared := coalesce(payload.Mime, att.Mime)
	saved, err := s.store.SaveBuffer(ctx, data, declared, DirectionInbound, maxBytes)
	if err != nil {
		return Reference{}, fmt.Errorf("store media: %w", err)
	}
	kind := kindForAttachment(att.Type, saved.ContentType)
	ref := Reference{
		LocalPath:   saved.Path,
		ContentType: saved.ContentType,
		ByteSize:    saved.Size,
		Kind:        string(kind),
		Placeholder: kind.Placeholder(),
		DurationMs:  att.DurationMs,
	}
	if ref.DurationMs == 0 && s.prober != nil && (kind == KindAudio || kind == KindVideo) {
		if ms, err := s.prober.ProbeDuration(ctx, saved.Path, saved.ContentType); err == nil && ms > 0 {
			ref.DurationMs = ms
		} else if err != nil {
			s.logger.Debug("duration probe failed", slog.String("path", saved.Path), slog.Any("error", err))
		}
	}
	return ref, nil
}

// IngestAll ingests every attachment of an event. Failures are collected as
// strings; successful references keep their input order.
func (s *Ingestor) IngestAll(ctx context.Context, resolver channel.AttachmentResolver, cfg channel.ChannelConfig, atts []channel.Attachment, maxBytes int64) ([]Reference, []string) {
	refs := make([]Reference, 0, len(atts))
	var failures []string
	for _, att := range atts {
		ref, err := s.Ingest(ctx, resolver, cfg, att, maxBytes)
		if err != nil {
			s.logger.Warn("inbound media ingest failed",
				slog.String("channel", cfg.ChannelType.String()),
				slog.String("reference", att.Reference()),
				slog.Any("error", err),
			)
			failures = append(failures, err.Error())
			continue
		}
		refs = append(refs, ref)
	}
	return refs, failures
}

// kindForAttachment prefers the sniffed MIME type and falls back to the
// transport's attachment type when the content is opaque.
func kindForAttachment(t channel.AttachmentType, contentType string) Kind {
	kind := KindFromMime(contentType)
	if kind != KindDocument {
		return kind
	}
	switch t {
	case channel.AttachmentImage, channel.AttachmentGIF:
		return KindImage
	case channel.AttachmentVideo:
		return KindVideo
	case channel.AttachmentAudio, channel.AttachmentVoice:
		return KindAudio
	default:
		return KindDocument
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
