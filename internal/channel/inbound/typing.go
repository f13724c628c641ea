package inbound

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/chatgate/internal/channel"
)

// DefaultTypingRefresh re-sends the indicator before platforms expire it.
const DefaultTypingRefresh = 4 * time.Second

// typingIndicator keeps a typing indicator alive between Start and Stop.
// Both are idempotent; Stop always clears an indicator that was started.
type typingIndicator struct {
	notifier channel.TypingNotifier
	cfg      channel.ChannelConfig
	target   string
	refresh  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newTypingIndicator(notifier channel.TypingNotifier, cfg channel.ChannelConfig, target string, refresh time.Duration, log *slog.Logger) *typingIndicator {
	if refresh <= 0 {
		refresh = DefaultTypingRefresh
	}
	return &typingIndicator{
		notifier: notifier,
		cfg:      cfg,
		target:   target,
		refresh:  refresh,
		logger:   log,
	}
}

func (t *typingIndicator) Start(ctx context.Context) {
	if t == nil || t.notifier == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	t.set(ctx, true)
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(loopCtx, t.done)
}

func (t *typingIndicator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.set(ctx, true)
		}
	}
}

func (t *typingIndicator) Stop(ctx context.Context) {
	if t == nil || t.notifier == nil {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-done
	t.set(context.WithoutCancel(ctx), false)
}

func (t *typingIndicator) set(ctx context.Context, typing bool) {
	if err := t.notifier.SetTyping(ctx, t.cfg, t.target, typing); err != nil && t.logger != nil {
		t.logger.Debug("typing indicator failed",
			slog.String("target", t.target),
			slog.Bool("typing", typing),
			slog.Any("error", err),
		)
	}
}
