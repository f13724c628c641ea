package channel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// ChunkerMode selects the text chunking strategy.
type ChunkerMode string

const (
	ChunkerModeText     ChunkerMode = "text"
	ChunkerModeMarkdown ChunkerMode = "markdown"
)

// Chunker splits text into pieces that respect a character limit.
type Chunker func(text string, limit int) []string

// OutboundPolicy configures how outbound messages are chunked and rendered.
// TextChunkLimit is the provider hard limit. MessageFormat is independent of
// ChunkerMode; when empty it follows the chunker mode.
type OutboundPolicy struct {
	TextChunkLimit int           `json:"text_chunk_limit,omitempty"`
	ChunkerMode    ChunkerMode   `json:"chunker_mode,omitempty"`
	MessageFormat  MessageFormat `json:"message_format,omitempty"`
	Chunker        Chunker       `json:"-"`
}

// NormalizeOutboundPolicy fills zero-value fields with defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = 4000
	}
	if policy.ChunkerMode == "" {
		policy.ChunkerMode = ChunkerModeText
	}
	if policy.Chunker == nil {
		policy.Chunker = DefaultChunker(policy.ChunkerMode)
	}
	if policy.MessageFormat == "" {
		policy.MessageFormat = MessageFormatPlain
		if policy.ChunkerMode == ChunkerModeMarkdown {
			policy.MessageFormat = MessageFormatMarkdown
		}
	}
	return policy
}

// EffectiveChunkLimit clamps a configured limit to the provider limit.
func EffectiveChunkLimit(configured, providerLimit int) int {
	if providerLimit <= 0 {
		return configured
	}
	if configured <= 0 || configured > providerLimit {
		return providerLimit
	}
	return configured
}

// DefaultChunker returns the built-in Chunker for the given mode.
func DefaultChunker(mode ChunkerMode) Chunker {
	switch mode {
	case ChunkerModeMarkdown:
		return ChunkMarkdownText
	default:
		return ChunkText
	}
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
// Lines longer than the limit are split at whitespace, then at the limit.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	lines := strings.Split(trimmed, "\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(lines))
	bufLen := 0
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if chunk := strings.TrimSpace(strings.Join(buf, "\n")); chunk != "" {
			chunks = append(chunks, chunk)
		}
		buf = buf[:0]
		bufLen = 0
	}
	for _, line := range lines {
		lineLen := runeLen(line)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 1
		}
		if bufLen+sepLen+lineLen <= limit {
			buf = append(buf, line)
			bufLen += sepLen + lineLen
			continue
		}
		flush()
		if lineLen <= limit {
			buf = append(buf, line)
			bufLen = lineLen
			continue
		}
		chunks = append(chunks, splitLongLine(line, limit)...)
	}
	flush()
	return chunks
}

var (
	fenceOpenPattern = regexp.MustCompile("^\\s*(`{3,}|~{3,})")
	listItemPattern  = regexp.MustCompile(`^\s*([-*+]|\d+[.)])\s+`)
)

type markdownBlock struct {
	text  string
	sep   string
	fence string
}

// ChunkMarkdownText splits text at markdown block boundaries. Fenced code
// blocks and list items are never split unless a single block exceeds the
// limit; oversized fences are split on lines and re-fenced per chunk.
func ChunkMarkdownText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	blocks := parseMarkdownBlocks(trimmed)
	chunks := make([]string, 0)
	var buf strings.Builder
	bufLen := 0
	flush := func() {
		if chunk := strings.TrimSpace(buf.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		buf.Reset()
		bufLen = 0
	}
	for _, block := range blocks {
		blockLen := runeLen(block.text)
		sepLen := 0
		if bufLen > 0 {
			sepLen = runeLen(block.sep)
		}
		if bufLen+sepLen+blockLen <= limit {
			if bufLen > 0 {
				buf.WriteString(block.sep)
			}
			buf.WriteString(block.text)
			bufLen += sepLen + blockLen
			continue
		}
		flush()
		if blockLen <= limit {
			buf.WriteString(block.text)
			bufLen = blockLen
			continue
		}
		if block.fence != "" {
			chunks = append(chunks, splitFence(block, limit)...)
			continue
		}
		chunks = append(chunks, ChunkText(block.text, limit)...)
	}
	flush()
	return chunks
}

func parseMarkdownBlocks(text string) []markdownBlock {
	lines := strings.Split(text, "\n")
	blocks := make([]markdownBlock, 0)
	sep := "\n"
	var current []string
	inList := false
	emit := func() {
		if len(current) == 0 {
			return
		}
		blocks = append(blocks, markdownBlock{text: strings.Join(current, "\n"), sep: sep})
		current = nil
		sep = "\n"
		inList = false
	}
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			emit()
			sep = "\n\n"
			continue
		}
		if m := fenceOpenPattern.FindStringSubmatch(line); m != nil {
			emit()
			marker := m[1]
			fenceLines := []string{line}
			for i+1 < len(lines) {
				i++
				fenceLines = append(fenceLines, lines[i])
				if isFenceClose(lines[i], marker) {
					break
				}
			}
			blocks = append(blocks, markdownBlock{text: strings.Join(fenceLines, "\n"), sep: sep, fence: marker})
			sep = "\n"
			continue
		}
		if listItemPattern.MatchString(line) {
			emit()
			current = []string{line}
			inList = true
			continue
		}
		if inList && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			current = append(current, line)
			continue
		}
		if inList {
			emit()
		}
		current = append(current, line)
	}
	emit()
	return blocks
}

func splitFence(block markdownBlock, limit int) []string {
	lines := strings.Split(block.text, "\n")
	open := lines[0]
	closing := block.fence
	inner := lines[1:]
	if len(inner) > 0 && isFenceClose(inner[len(inner)-1], block.fence) {
		closing = strings.TrimSpace(inner[len(inner)-1])
		inner = inner[:len(inner)-1]
	}
	budget := limit - runeLen(open) - runeLen(closing) - 2
	if budget <= 0 {
		return ChunkText(block.text, limit)
	}
	chunks := make([]string, 0)
	body := make([]string, 0)
	bodyLen := 0
	flush := func() {
		if len(body) == 0 {
			return
		}
		chunks = append(chunks, open+"\n"+strings.Join(body, "\n")+"\n"+closing)
		body = body[:0]
		bodyLen = 0
	}
	for _, line := range inner {
		pieces := []string{line}
		if runeLen(line) > budget {
			pieces = hardSplit(line, budget)
		}
		for _, piece := range pieces {
			sepLen := 0
			if len(body) > 0 {
				sepLen = 1
			}
			if bodyLen+sepLen+runeLen(piece) > budget {
				flush()
				sepLen = 0
			}
			body = append(body, piece)
			bodyLen += sepLen + runeLen(piece)
		}
	}
	flush()
	return chunks
}

func isFenceClose(line, marker string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < len(marker) {
		return false
	}
	return strings.Trim(trimmed, marker[:1]) == ""
}

func runeLen(value string) int {
	return len([]rune(value))
}

func hardSplit(line string, limit int) []string {
	runes := []rune(line)
	parts := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}

func splitLongLine(line string, limit int) []string {
	if limit <= 0 {
		return []string{line}
	}
	runes := []rune(strings.TrimSpace(line))
	chunks := make([]string, 0)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if segment := strings.TrimSpace(string(runes[:cut])); segment != "" {
			chunks = append(chunks, segment)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if segment := strings.TrimSpace(string(runes)); segment != "" {
		chunks = append(chunks, segment)
	}
	return chunks
}

// MediaLoader turns an outbound media source (URL or local path) into an
// uploadable attachment.
type MediaLoader interface {
	LoadMedia(ctx context.Context, source string, maxBytes int64) (Attachment, error)
}

// ReplyDeliveryOptions configures delivery for one dispatch.
type ReplyDeliveryOptions struct {
	Config    ChannelConfig
	Target    string
	ReplyToID string
	ThreadID  string
	Policy    OutboundPolicy
	Loader    MediaLoader
	Logger    *slog.Logger
}

// ReplyDelivery sends the reply payloads of one dispatch in order. Reply
// linkage state spans every payload of the dispatch.
type ReplyDelivery struct {
	sender  Sender
	opts    ReplyDeliveryOptions
	policy  OutboundPolicy
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	sent    int
}

// NewReplyDelivery creates a delivery bound to one conversation target.
func NewReplyDelivery(sender Sender, opts ReplyDeliveryOptions) *ReplyDelivery {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	policy := NormalizeOutboundPolicy(opts.Policy)
	return &ReplyDelivery{
		sender: sender,
		opts:   opts,
		policy: policy,
		logger: log.With(slog.String("component", "reply_delivery")),
	}
}

// Sent returns the number of messages delivered so far.
func (d *ReplyDelivery) Sent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

// Deliver sends one payload: media first with the first text chunk as
// caption, then the remaining chunks. It stops at the first send failure.
func (d *ReplyDelivery) Deliver(ctx context.Context, payload ReplyPayload) error {
	if d.sender == nil {
		return fmt.Errorf("unsupported channel type: %s", d.opts.Config.ChannelType)
	}
	if payload.IsEmpty() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	chunks := d.policy.Chunker(payload.Text, d.policy.TextChunkLimit)
	replyTo := strings.TrimSpace(payload.ReplyToID)
	if replyTo == "" {
		replyTo = strings.TrimSpace(d.opts.ReplyToID)
	}
	for _, source := range payload.Media() {
		att, err := d.attachment(ctx, source, payload.AudioAsVoice)
		if err != nil {
			d.logger.Warn("load outbound media failed", slog.String("source", source), slog.Any("error", err))
			continue
		}
		msg := d.message(replyTo)
		msg.Attachments = []Attachment{att}
		if len(chunks) > 0 {
			msg.Text = chunks[0]
		}
		if err := d.send(ctx, msg); err != nil {
			return err
		}
		if len(chunks) > 0 {
			chunks = chunks[1:]
		}
	}
	for _, chunk := range chunks {
		msg := d.message(replyTo)
		msg.Text = chunk
		if err := d.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (d *ReplyDelivery) attachment(ctx context.Context, source string, asVoice bool) (Attachment, error) {
	var att Attachment
	if d.opts.Loader != nil {
		loaded, err := d.opts.Loader.LoadMedia(ctx, source, d.opts.Config.Policy.MediaMaxBytes)
		if err != nil {
			return Attachment{}, err
		}
		att = loaded
	} else {
		att = Attachment{Type: AttachmentFile, URL: source}
	}
	if asVoice && (att.Type == AttachmentAudio || att.Type == AttachmentVoice) {
		att.Type = AttachmentVoice
	}
	return att, nil
}

func (d *ReplyDelivery) message(replyTo string) Message {
	msg := Message{Format: d.policy.MessageFormat}
	if msg.Format == "" {
		msg.Format = MessageFormatPlain
	}
	if thread := strings.TrimSpace(d.opts.ThreadID); thread != "" {
		msg.Thread = &ThreadRef{ID: thread}
		d.started = true
		return msg
	}
	first := !d.started
	d.started = true
	if replyTo == "" {
		return msg
	}
	switch d.opts.Config.Policy.ReplyToMode {
	case ReplyToAll:
		msg.Reply = &ReplyRef{MessageID: replyTo}
	case ReplyToFirst:
		if first {
			msg.Reply = &ReplyRef{MessageID: replyTo}
		}
	}
	return msg
}

func (d *ReplyDelivery) send(ctx context.Context, msg Message) error {
	target := strings.TrimSpace(d.opts.Target)
	if target == "" {
		return fmt.Errorf("target is required")
	}
	if err := d.sender.Send(ctx, d.opts.Config, OutboundMessage{Target: target, Message: msg}); err != nil {
		return fmt.Errorf("send outbound: %w", err)
	}
	d.sent++
	return nil
}
