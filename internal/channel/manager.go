package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ConfigLister lists channel configs for periodic reconcile.
type ConfigLister interface {
	ListConfigs(ctx context.Context) ([]ChannelConfig, error)
}

// StaticConfigs is a ConfigLister over a fixed snapshot.
type StaticConfigs []ChannelConfig

// ListConfigs returns a copy of the snapshot.
func (s StaticConfigs) ListConfigs(context.Context) ([]ChannelConfig, error) {
	items := make([]ChannelConfig, len(s))
	copy(items, s)
	return items, nil
}

// InboundProcessor runs one normalized event through the gate and reply pipeline.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, cfg ChannelConfig, event InboundEvent) error
}

// Middleware wraps an InboundHandler to add cross-cutting behavior.
type Middleware func(next InboundHandler) InboundHandler

// ConnectionStatus describes runtime status for one configured channel connection.
type ConnectionStatus struct {
	ConfigID    string      `json:"config_id"`
	ChannelType ChannelType `json:"channel_type"`
	Running     bool        `json:"running"`
	LastError   string      `json:"last_error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Manager coordinates channel adapters, connection lifecycle, and inbound
// dispatch. Connection lifecycle lives in connection.go and the per-connection
// inbound workers in inbound.go.
type Manager struct {
	registry        *Registry
	configs         ConfigLister
	processor       InboundProcessor
	refreshInterval time.Duration
	logger          *slog.Logger
	middlewares     []Middleware
	mediaGroups     *MediaGroupBuffer

	inboundCtx     context.Context
	inboundCancel  context.CancelFunc
	inboundOnce    sync.Once
	workersWG      sync.WaitGroup
	mu             sync.Mutex
	refreshMu      sync.Mutex
	connections    map[string]*connectionEntry
	connectionMeta map[string]ConnectionStatus
	workers        map[string]*inboundWorker
}

// NewManager creates a Manager with the given logger, registry, config source, and inbound processor.
func NewManager(log *slog.Logger, registry *Registry, configs ConfigLister, processor InboundProcessor) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	m := &Manager{
		registry:        registry,
		configs:         configs,
		processor:       processor,
		refreshInterval: time.Minute,
		connections:     map[string]*connectionEntry{},
		connectionMeta:  map[string]ConnectionStatus{},
		workers:         map[string]*inboundWorker{},
		logger:          log.With(slog.String("component", "channel")),
		middlewares:     []Middleware{},
	}
	m.mediaGroups = NewMediaGroupBuffer(DefaultMediaGroupWindow, m.enqueue)
	return m
}

// Registry returns the adapter registry used by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Use appends middleware to the inbound processing chain.
func (m *Manager) Use(mw ...Middleware) {
	m.middlewares = append(m.middlewares, mw...)
}

// RegisterAdapter adds an adapter to the registry and logs the registration.
func (m *Manager) RegisterAdapter(adapter Adapter) {
	if adapter == nil {
		return
	}
	if err := m.registry.Register(adapter); err != nil {
		if m.logger != nil {
			m.logger.Warn("adapter registration failed", slog.String("channel", adapter.Type().String()), slog.Any("error", err))
		}
		return
	}
	if m.logger != nil {
		m.logger.Info("adapter registered", slog.String("channel", adapter.Type().String()))
	}
}

// Refresh performs a full reconcile of all adapter connections against the config source.
func (m *Manager) Refresh(ctx context.Context) {
	if ctx != nil {
		m.refresh(ctx)
	}
}

// Start begins the periodic reconcile loop. Connections that stopped on their
// own are restarted on the next tick.
func (m *Manager) Start(ctx context.Context) {
	if m.logger != nil {
		m.logger.Info("manager start")
	}
	m.initInbound(ctx)
	go func() {
		m.refresh(ctx)
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if m.logger != nil {
					m.logger.Info("manager stop")
				}
				m.stopAll(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				m.refresh(ctx)
			}
		}
	}()
}

// Config returns the active config for a connection.
func (m *Manager) Config(configID string) (ChannelConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.connections[strings.TrimSpace(configID)]
	if !ok || entry == nil {
		return ChannelConfig{}, false
	}
	return entry.config, true
}

// Send delivers an operator-initiated message through the given connection,
// chunked with the channel's outbound policy.
func (m *Manager) Send(ctx context.Context, configID string, msg OutboundMessage) error {
	cfg, ok := m.Config(configID)
	if !ok {
		return fmt.Errorf("channel connection not found: %s", configID)
	}
	sender, ok := m.registry.GetSender(cfg.ChannelType)
	if !ok {
		return fmt.Errorf("unsupported channel type: %s", cfg.ChannelType)
	}
	if msg.Message.IsEmpty() {
		return fmt.Errorf("message is required")
	}
	if m.logger != nil {
		m.logger.Info("send outbound", slog.String("channel", cfg.ChannelType.String()), slog.String("config_id", cfg.ID))
	}
	delivery := NewReplyDelivery(sender, ReplyDeliveryOptions{
		Config: cfg,
		Target: msg.Target,
		Policy: m.OutboundPolicy(cfg),
		Logger: m.logger,
	})
	return delivery.Deliver(ctx, ReplyPayload{Text: msg.Message.Text})
}

// OutboundPolicy resolves the chunking policy for a connection.
func (m *Manager) OutboundPolicy(cfg ChannelConfig) OutboundPolicy {
	return m.registry.ResolveOutboundPolicy(cfg)
}

// Shutdown stops all active connections and waits for queued inbound events
// to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopAll(ctx)
	m.mediaGroups.Close()
	m.closeWorkers()
	if m.inboundCancel != nil {
		defer m.inboundCancel()
	}
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionStatuses returns observed statuses for every configured connection.
func (m *Manager) ConnectionStatuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.connectionMeta))
	for _, status := range m.connectionMeta {
		items = append(items, status)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ChannelType == items[j].ChannelType {
			return items[i].ConfigID < items[j].ConfigID
		}
		return items[i].ChannelType < items[j].ChannelType
	})
	return items
}
