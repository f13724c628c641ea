package channel

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters and exposes their optional
// capabilities. It must be created via NewRegistry and passed explicitly to
// components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// Types returns all registered channel types.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	return items
}

// ParseChannelType validates and normalizes a raw string into a registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if ct == "" {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	return ct, nil
}

// GetDescriptor returns the descriptor for the given channel type.
func (r *Registry) GetDescriptor(channelType ChannelType) (Descriptor, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return Descriptor{}, false
	}
	return adapter.Descriptor(), true
}

// GetOutboundPolicy returns the outbound policy for the given channel type.
func (r *Registry) GetOutboundPolicy(channelType ChannelType) (OutboundPolicy, bool) {
	desc, ok := r.GetDescriptor(channelType)
	if !ok {
		return OutboundPolicy{}, false
	}
	return desc.OutboundPolicy, true
}

// ResolveOutboundPolicy returns the chunking policy for one account: the
// configured limit clamped to the provider limit.
func (r *Registry) ResolveOutboundPolicy(cfg ChannelConfig) OutboundPolicy {
	policy, _ := r.GetOutboundPolicy(cfg.ChannelType)
	policy.TextChunkLimit = EffectiveChunkLimit(cfg.Policy.TextChunkLimit, policy.TextChunkLimit)
	if cfg.Policy.ChunkerMode != "" {
		policy.ChunkerMode = cfg.Policy.ChunkerMode
		policy.Chunker = nil
	}
	return NormalizeOutboundPolicy(policy)
}

// GetSender returns the Sender for the given channel type.
func (r *Registry) GetSender(channelType ChannelType) (Sender, bool) {
	return lookup[Sender](r, channelType)
}

// GetReactor returns the Reactor for the given channel type.
func (r *Registry) GetReactor(channelType ChannelType) (Reactor, bool) {
	return lookup[Reactor](r, channelType)
}

// GetTypingNotifier returns the TypingNotifier for the given channel type.
func (r *Registry) GetTypingNotifier(channelType ChannelType) (TypingNotifier, bool) {
	return lookup[TypingNotifier](r, channelType)
}

// GetReadReceipter returns the ReadReceipter for the given channel type.
func (r *Registry) GetReadReceipter(channelType ChannelType) (ReadReceipter, bool) {
	return lookup[ReadReceipter](r, channelType)
}

// GetReceiver returns the Receiver for the given channel type.
func (r *Registry) GetReceiver(channelType ChannelType) (Receiver, bool) {
	return lookup[Receiver](r, channelType)
}

// GetAttachmentResolver returns the AttachmentResolver for the given channel type.
func (r *Registry) GetAttachmentResolver(channelType ChannelType) (AttachmentResolver, bool) {
	return lookup[AttachmentResolver](r, channelType)
}

func lookup[T any](r *Registry, channelType ChannelType) (T, bool) {
	var zero T
	adapter, ok := r.Get(channelType)
	if !ok {
		return zero, false
	}
	impl, ok := adapter.(T)
	return impl, ok
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}
