package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const inboundQueueSize = 256

// ErrInboundClosed is returned when an event arrives after shutdown started.
var ErrInboundClosed = errors.New("inbound queue closed")

type inboundTask struct {
	cfg   ChannelConfig
	event InboundEvent
}

// inboundWorker processes the events of one connection strictly in order.
type inboundWorker struct {
	mu     sync.RWMutex
	closed bool
	queue  chan inboundTask
}

func (m *Manager) initInbound(ctx context.Context) {
	m.inboundOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		// In-flight events finish after the start context is cancelled; Shutdown cancels.
		m.inboundCtx, m.inboundCancel = context.WithCancel(context.WithoutCancel(ctx))
	})
}

func (m *Manager) handleInbound(ctx context.Context, cfg ChannelConfig, event InboundEvent) error {
	if event.MediaGroupID != "" && m.mediaGroups.Add(cfg, event) {
		return nil
	}
	return m.enqueue(cfg, event)
}

func (m *Manager) enqueue(cfg ChannelConfig, event InboundEvent) error {
	m.initInbound(context.Background())
	worker, err := m.worker(cfg.ID)
	if err != nil {
		return err
	}
	worker.mu.RLock()
	defer worker.mu.RUnlock()
	if worker.closed {
		return ErrInboundClosed
	}
	select {
	case worker.queue <- inboundTask{cfg: cfg, event: event}:
		return nil
	case <-m.inboundCtx.Done():
		return ErrInboundClosed
	}
}

func (m *Manager) worker(configID string) (*inboundWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers == nil {
		return nil, ErrInboundClosed
	}
	if w, ok := m.workers[configID]; ok {
		return w, nil
	}
	w := &inboundWorker{queue: make(chan inboundTask, inboundQueueSize)}
	m.workers[configID] = w
	m.workersWG.Add(1)
	go m.runWorker(configID, w)
	return w, nil
}

func (m *Manager) runWorker(configID string, w *inboundWorker) {
	defer m.workersWG.Done()
	for task := range w.queue {
		if err := m.processInbound(task); err != nil && m.logger != nil {
			m.logger.Error("inbound process failed",
				slog.String("config_id", configID),
				slog.String("channel", task.cfg.ChannelType.String()),
				slog.String("event_id", task.event.EventID),
				slog.Any("error", err),
			)
		}
	}
}

func (m *Manager) processInbound(task inboundTask) (err error) {
	if m.processor == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inbound handler panic: %v", r)
		}
	}()
	return m.processor.HandleInbound(m.inboundCtx, task.cfg, task.event)
}

func (m *Manager) closeWorkers() {
	m.mu.Lock()
	workers := m.workers
	m.workers = nil
	m.mu.Unlock()
	for _, w := range workers {
		w.mu.Lock()
		if !w.closed {
			w.closed = true
			close(w.queue)
		}
		w.mu.Unlock()
	}
}
