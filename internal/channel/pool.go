package channel

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// PoolKey identifies one shared transport client.
type PoolKey struct {
	Endpoint string
	Identity string
	AuthMode string
}

// String returns the canonical key form.
func (k PoolKey) String() string {
	return strings.Join([]string{
		strings.ToLower(strings.TrimSpace(k.Endpoint)),
		strings.TrimSpace(k.Identity),
		strings.TrimSpace(k.AuthMode),
	}, "|")
}

// ClientPool shares one transport client per key. Concurrent Acquire calls
// for a key that is not started yet converge on a single start.
type ClientPool[T any] struct {
	mu      sync.Mutex
	clients map[string]T
	group   singleflight.Group
}

// NewClientPool creates an empty pool.
func NewClientPool[T any]() *ClientPool[T] {
	return &ClientPool[T]{clients: map[string]T{}}
}

// Acquire returns the pooled client for key, calling start at most once
// among concurrent callers when none exists.
func (p *ClientPool[T]) Acquire(ctx context.Context, key PoolKey, start func(ctx context.Context) (T, error)) (T, error) {
	if client, ok := p.Get(key); ok {
		return client, nil
	}
	id := key.String()
	v, err, _ := p.group.Do(id, func() (any, error) {
		if client, ok := p.Get(key); ok {
			return client, nil
		}
		client, err := start(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.clients[id] = client
		p.mu.Unlock()
		return client, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Get returns the pooled client for key.
func (p *ClientPool[T]) Get(key PoolKey) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	client, ok := p.clients[key.String()]
	return client, ok
}

// Remove drops the pooled client and returns it so the caller can close it.
func (p *ClientPool[T]) Remove(key PoolKey) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := key.String()
	client, ok := p.clients[id]
	delete(p.clients, id)
	return client, ok
}

// Len returns the number of pooled clients.
func (p *ClientPool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
