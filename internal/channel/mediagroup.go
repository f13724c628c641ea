package channel

import (
	"strings"
	"sync"
	"time"
)

// DefaultMediaGroupWindow is the idle window after the last related arrival.
const DefaultMediaGroupWindow = 500 * time.Millisecond

// MediaGroupBuffer collects events sharing a media group id and emits them
// as one merged event once no related event arrived for the idle window.
type MediaGroupBuffer struct {
	window time.Duration
	flush  func(cfg ChannelConfig, event InboundEvent) error

	mu     sync.Mutex
	groups map[string]*mediaGroup
	closed bool
}

type mediaGroup struct {
	cfg    ChannelConfig
	events []InboundEvent
	timer  *time.Timer
}

// NewMediaGroupBuffer creates a buffer that calls flush with each merged group.
func NewMediaGroupBuffer(window time.Duration, flush func(cfg ChannelConfig, event InboundEvent) error) *MediaGroupBuffer {
	if window <= 0 {
		window = DefaultMediaGroupWindow
	}
	return &MediaGroupBuffer{
		window: window,
		flush:  flush,
		groups: map[string]*mediaGroup{},
	}
}

// Add buffers the event and reports whether it was taken. Every arrival
// restarts the group's idle window.
func (b *MediaGroupBuffer) Add(cfg ChannelConfig, event InboundEvent) bool {
	groupID := strings.TrimSpace(event.MediaGroupID)
	if groupID == "" {
		return false
	}
	key := cfg.ID + ":" + event.Conversation.ID + ":" + groupID
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if g, ok := b.groups[key]; ok {
		g.events = append(g.events, event)
		g.timer.Reset(b.window)
		return true
	}
	g := &mediaGroup{cfg: cfg, events: []InboundEvent{event}}
	g.timer = time.AfterFunc(b.window, func() { b.fire(key, g) })
	b.groups[key] = g
	return true
}

// Pending returns the number of open groups.
func (b *MediaGroupBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

func (b *MediaGroupBuffer) fire(key string, g *mediaGroup) {
	b.mu.Lock()
	if current, ok := b.groups[key]; !ok || current != g {
		b.mu.Unlock()
		return
	}
	delete(b.groups, key)
	events := g.events
	b.mu.Unlock()
	if b.flush != nil {
		_ = b.flush(g.cfg, MergeMediaGroup(events))
	}
}

// Close flushes every open group immediately and rejects later arrivals.
func (b *MediaGroupBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	groups := b.groups
	b.groups = map[string]*mediaGroup{}
	b.mu.Unlock()
	for _, g := range groups {
		g.timer.Stop()
		if b.flush != nil {
			_ = b.flush(g.cfg, MergeMediaGroup(g.events))
		}
	}
}

// MergeMediaGroup folds related events into one: the first event's metadata,
// every attachment in arrival order, and the distinct captions joined.
func MergeMediaGroup(events []InboundEvent) InboundEvent {
	if len(events) == 0 {
		return InboundEvent{}
	}
	merged := events[0]
	merged.Attachments = nil
	merged.Mentions = nil
	texts := make([]string, 0, len(events))
	seenText := map[string]struct{}{}
	seenMention := map[string]struct{}{}
	for _, ev := range events {
		merged.Attachments = append(merged.Attachments, ev.Attachments...)
		if text := strings.TrimSpace(ev.Text); text != "" {
			if _, ok := seenText[text]; !ok {
				seenText[text] = struct{}{}
				texts = append(texts, text)
			}
		}
		for _, mention := range ev.Mentions {
			if _, ok := seenMention[mention]; ok {
				continue
			}
			seenMention[mention] = struct{}{}
			merged.Mentions = append(merged.Mentions, mention)
		}
		merged.ReplyToSelf = merged.ReplyToSelf || ev.ReplyToSelf
		if merged.ReplyToID == "" {
			merged.ReplyToID = ev.ReplyToID
		}
	}
	merged.Text = strings.Join(texts, "\n")
	if len(merged.Attachments) > 0 {
		merged.Kind = ContentMedia
	}
	return merged
}
