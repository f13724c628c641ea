package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/policy"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/pairing"
	"github.com/memohai/chatgate/internal/session"
)

// MediaIngestor persists inbound attachments.
type MediaIngestor interface {
	IngestAll(ctx context.Context, resolver channel.AttachmentResolver, cfg channel.ChannelConfig, atts []channel.Attachment, maxBytes int64) ([]channel.MediaReference, []string)
}

// Options wires a Processor to its collaborators. Registry, Routes and
// Dispatcher are required.
type Options struct {
	Registry   *channel.Registry
	Pairing    policy.PairingStore
	Media      MediaIngestor
	Routes     session.Resolver
	Sessions   session.Store
	Dispatcher dispatch.Dispatcher
	Loader     channel.MediaLoader
	Logger     *slog.Logger
	StartedAt  time.Time
	// DispatchTimeout bounds one dispatch including delivery. Zero means no bound.
	DispatchTimeout time.Duration
	TypingRefresh   time.Duration
	Now             func() time.Time
}

type gateEntry struct {
	gate      *policy.Gate
	updatedAt time.Time
}

// Processor implements channel.InboundProcessor: gate, media, context,
// session bookkeeping, dispatch and delivery.
type Processor struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	gates map[string]gateEntry

	inflight sync.WaitGroup
}

// NewProcessor creates a processor.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Registry == nil {
		return nil, errors.New("inbound processor: registry is required")
	}
	if opts.Routes == nil {
		return nil, errors.New("inbound processor: route resolver is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("inbound processor: dispatcher is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = now()
	}
	return &Processor{
		opts:   opts,
		logger: log.With(slog.String("component", "inbound")),
		now:    now,
		gates:  map[string]gateEntry{},
	}, nil
}

// HandleInbound evaluates one event and, when admitted, starts its dispatch
// in the background. Errors never stop the caller's monitor loop.
func (p *Processor) HandleInbound(ctx context.Context, cfg channel.ChannelConfig, event channel.InboundEvent) error {
	decision := p.gate(cfg).Evaluate(ctx, event)
	switch decision.Verdict {
	case policy.VerdictPairing:
		p.replyPairing(ctx, cfg, event, decision)
		return nil
	case policy.VerdictAdmit:
	default:
		return nil
	}

	p.markRead(ctx, cfg, event)
	if decision.ShouldAck {
		p.ack(ctx, cfg, event)
	}

	refs, failures := p.ingest(ctx, cfg, event)
	if strings.TrimSpace(decision.Body) == "" && len(refs) == 0 {
		p.logger.Debug("inbound dropped empty",
			slog.String("channel", cfg.ChannelType.String()),
			slog.String("event_id", event.EventID),
			slog.Int("media_failures", len(failures)),
		)
		return nil
	}

	route, err := p.opts.Routes.ResolveRoute(ctx, session.RouteInput{
		Channel:   cfg.ChannelType.String(),
		AccountID: cfg.ID,
		PeerKind:  string(decision.Kind),
		PeerID:    peerID(event, decision.Kind),
	})
	if err != nil {
		return fmt.Errorf("resolve route: %w", err)
	}

	ictx := BuildContext(BuildInput{
		Event:       event,
		Decision:    decision,
		Route:       route,
		Media:       refs,
		MediaErrors: failures,
		Now:         p.now(),
	})
	p.recordSession(ctx, cfg, event, ictx)

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.dispatch(context.WithoutCancel(ctx), cfg, event, ictx)
	}()
	return nil
}

// Wait blocks until every in-flight dispatch has finished or ctx ends.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gate returns the account's gate, rebuilding it when the config changed.
func (p *Processor) gate(cfg channel.ChannelConfig) *policy.Gate {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.gates[cfg.ID]; ok && entry.updatedAt.Equal(cfg.UpdatedAt) {
		return entry.gate
	}
	g := policy.NewGate(cfg, policy.GateOptions{
		Pairing:   p.opts.Pairing,
		StartedAt: p.opts.StartedAt,
		Logger:    p.opts.Logger,
		Now:       p.now,
	})
	p.gates[cfg.ID] = gateEntry{gate: g, updatedAt: cfg.UpdatedAt}
	return g
}

func (p *Processor) replyPairing(ctx context.Context, cfg channel.ChannelConfig, event channel.InboundEvent, decision policy.Decision) {
	outcome := decision.Pairing
	if outcome == nil || !outcome.Created || outcome.Code == "" {
		return
	}
	sender, ok := p.opts.Registry.GetSender(cfg.ChannelType)
	if !ok {
		return
	}
	text := pairing.Message(cfg.ChannelType.String(), event.Sender.ID, outcome.Code)
	err := sender.Send(ctx, cfg, channel.OutboundMessage{
		Target:  event.Conversation.ID,
		Message: channel.Message{Format: channel.MessageFormatPlain, Text: text},
	})
	if err != nil {
		p.logger.Warn("pairing reply failed",
			slog.String("channel", cfg.ChannelType.String()),
			slog.String("sender_id", event.Sender.ID),
			slog.Any("error", err),
		)
		return
	}
	p.logger.Info("pairing requested",
		slog.String("channel", cfg.ChannelType.String()),
		slog.String("sender_id", event.Sender.ID),
	)
}

func (p *Processor) markRead(ctx context.Context, cfg channel.ChannelConfig, event channel.InboundEvent) {
	if !cfg.Policy.ReadReceipts || strings.TrimSpace(event.EventID) == "" {
		return
	}
	receipter, ok := p.opts.Registry.GetReadReceipter(cfg.ChannelType)
	if !ok {
		return
	}
	if err := receipter.MarkRead(ctx, cfg, event.Conversation.ID, event.EventID); err != nil {
		p.logger.Debug("read receipt failed", slog.String("event_id", event.EventID), slog.Any("error", err))
	}
}

// ack fires the acknowledgement reaction without holding up admission.
func (p *Processor) ack(ctx context.Context, cfg channel.ChannelConfig, event channel.InboundEvent) {
	reactor, ok := p.opts.Registry.GetReactor(cfg.ChannelType)
	if !ok || strings.TrimSpace(event.EventID) == "" {
		return
	}
	emoji := cfg.Policy.AckReaction
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		if err := reactor.React(context.WithoutCancel(ctx), cfg, event.Conversation.ID, event.EventID, emoji); err != nil {
			p.logger.Debug("ack reaction failed", slog.String("event_id", event.EventID), slog.Any("error", err))
		}
	}()
}

func (p *Processor) ingest(ctx context.Context, cfg channel.ChannelConfig, event channel.InboundEvent) ([]channel.MediaReference, []string) {
	if len(event.Attachments) == 0 {
		return nil, nil
	}
	if p.opts.Media == nil {
		return nil, []string{"media ingestion is not configured"}
	}
	resolver, _ := p.opts.Registry.GetAttachmentResolver(cfg.ChannelType)
	return p.opts.Media.IngestAll(ctx, resolver, cfg, event.Attachments, cfg.Policy.MediaMaxBytes)
}

func (p *Processor) recordSession(ctx context.Context, cfg channel.ChannelConfig, event channel.InboundEvent, ictx channel.InboundContext) {
	if p.opts.Sessions == nil || ictx.SessionKey == "" {
		return
	}
	meta := session.InboundMeta{
		Channel:         cfg.ChannelType.String(),
		ConversationKey: ictx.ConversationKey,
		SenderID:        ictx.SenderID,
		SenderName:      ictx.SenderName,
		GroupSubject:    ictx.GroupSubject,
		MessageID:       ictx.MessageID,
		ReceivedAt:      ictx.Timestamp,
	}
	if err := p.opts.Sessions.RecordInboundMeta(ctx, ictx.SessionKey, meta); err != nil {
		p.logger.Warn("record session meta failed", slog.String("session_key", ictx.SessionKey), slog.Any("error", err))
	}
	last := session.LastRoute{
		Channel:   cfg.ChannelType.String(),
		AccountID: cfg.ID,
		To:        event.Conversation.ID,
		ThreadID:  ictx.ThreadID,
	}
	if err := p.opts.Sessions.UpdateLastRoute(ctx, ictx.SessionKey, last); err != nil {
		p.logger.Warn("update last route failed", slog.String("session_key", ictx.SessionKey), slog.Any("error", err))
	}
}

func (p *Processor) dispatch(ctx context.Context, cfg channel.ChannelConfig, event channel.InboundEvent, ictx channel.InboundContext) {
	if p.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.DispatchTimeout)
		defer cancel()
	}
	log := p.logger.With(
		slog.String("channel", cfg.ChannelType.String()),
		slog.String("config_id", cfg.ID),
		slog.String("session_key", ictx.SessionKey),
		slog.String("event_id", ictx.MessageID),
	)
	sender, ok := p.opts.Registry.GetSender(cfg.ChannelType)
	if !ok {
		log.Warn("dispatch skipped: channel cannot send")
		return
	}

	var notifier channel.TypingNotifier
	if n, ok := p.opts.Registry.GetTypingNotifier(cfg.ChannelType); ok {
		notifier = n
	}
	typing := newTypingIndicator(notifier, cfg, event.Conversation.ID, p.opts.TypingRefresh, log)
	typing.Start(ctx)
	defer typing.Stop(ctx)

	delivery := channel.NewReplyDelivery(sender, channel.ReplyDeliveryOptions{
		Config:    cfg,
		Target:    event.Conversation.ID,
		ReplyToID: event.EventID,
		ThreadID:  event.ThreadID,
		Policy:    p.opts.Registry.ResolveOutboundPolicy(cfg),
		Loader:    p.opts.Loader,
		Logger:    log,
	})

	replies, outcome := p.opts.Dispatcher.Dispatch(ctx, dispatch.Request{
		Context:      ictx,
		OnReplyStart: func() { typing.Start(ctx) },
		OnIdle:       func() { typing.Stop(ctx) },
	})
	failed := 0
	for payload := range replies {
		if err := delivery.Deliver(ctx, payload); err != nil {
			failed++
			log.Error("reply delivery failed", slog.Any("error", err))
		}
	}
	result := <-outcome
	if result.Err != nil {
		log.Error("dispatch failed", slog.Any("error", result.Err))
		return
	}
	log.Info("dispatch complete",
		slog.Bool("queued_final", result.Result.QueuedFinal),
		slog.Int("sent", delivery.Sent()),
		slog.Int("failed", failed),
	)
}

// peerID is the routing peer: the sender for DMs, the conversation otherwise.
func peerID(event channel.InboundEvent, kind channel.ChatKind) string {
	if kind == channel.ChatKindDM {
		return coalesce(event.Sender.ID, event.Conversation.ID)
	}
	return strings.TrimSpace(event.Conversation.ID)
}
