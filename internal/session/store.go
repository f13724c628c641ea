package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a session has no stored entry.
var ErrNotFound = errors.New("session not found")

// LastRoute is where replies for a session were last delivered.
type LastRoute struct {
	Channel   string `json:"channel"`
	AccountID string `json:"account_id"`
	To        string `json:"to"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// InboundMeta records the latest inbound message seen for a session.
type InboundMeta struct {
	Channel         string    `json:"channel"`
	ConversationKey string    `json:"conversation_key"`
	SenderID        string    `json:"sender_id"`
	SenderName      string    `json:"sender_name,omitempty"`
	GroupSubject    string    `json:"group_subject,omitempty"`
	MessageID       string    `json:"message_id,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Entry is one stored session.
type Entry struct {
	SessionKey string      `json:"session_key"`
	AgentID    string      `json:"agent_id"`
	LastRoute  LastRoute   `json:"last_route"`
	Inbound    InboundMeta `json:"inbound"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Store persists session delivery state.
type Store interface {
	UpdateLastRoute(ctx context.Context, sessionKey string, route LastRoute) error
	RecordInboundMeta(ctx context.Context, sessionKey string, meta InboundMeta) error
	// ReadUpdatedAt returns the last update time; ok is false for unknown sessions.
	ReadUpdatedAt(ctx context.Context, sessionKey string) (time.Time, bool, error)
	Get(ctx context.Context, sessionKey string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: map[string]Entry{}, now: now}
}

func (s *MemoryStore) upsert(sessionKey string, apply func(*Entry)) error {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return errors.New("session key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionKey]
	if !ok {
		entry = Entry{SessionKey: sessionKey}
		if agentID, found := AgentIDFromSessionKey(sessionKey); found {
			entry.AgentID = agentID
		}
	}
	apply(&entry)
	entry.UpdatedAt = s.now()
	s.entries[sessionKey] = entry
	return nil
}

// UpdateLastRoute implements Store.
func (s *MemoryStore) UpdateLastRoute(_ context.Context, sessionKey string, route LastRoute) error {
	return s.upsert(sessionKey, func(e *Entry) { e.LastRoute = route })
}

// RecordInboundMeta implements Store.
func (s *MemoryStore) RecordInboundMeta(_ context.Context, sessionKey string, meta InboundMeta) error {
	return s.upsert(sessionKey, func(e *Entry) { e.Inbound = meta })
}

// ReadUpdatedAt implements Store.
func (s *MemoryStore) ReadUpdatedAt(_ context.Context, sessionKey string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[strings.TrimSpace(sessionKey)]
	if !ok {
		return time.Time{}, false, nil
	}
	return entry.UpdatedAt, true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sessionKey string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[strings.TrimSpace(sessionKey)]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// List implements Store, newest first.
func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionKey < out[j].SessionKey
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}
