package pairing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type allowEntry struct {
	ApprovedAt time.Time
	LastSeenAt time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	opts    Options
	mu      sync.Mutex
	pending map[string]map[string]*Request
	allowed map[string]map[string]*allowEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:    opts.normalized(),
		pending: map[string]map[string]*Request{},
		allowed: map[string]map[string]*allowEntry{},
	}
}

// UpsertRequest implements Store.
func (s *MemoryStore) UpsertRequest(_ context.Context, channel, senderID string, meta map[string]string) (Request, bool, error) {
	channel = strings.TrimSpace(channel)
	senderID = strings.TrimSpace(senderID)
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneChannelLocked(channel, now)

	requests := s.pending[channel]
	if requests == nil {
		requests = map[string]*Request{}
		s.pending[channel] = requests
	}
	if existing, ok := requests[senderID]; ok {
		existing.LastSeenAt = now
		for k, v := range copyMeta(meta) {
			if existing.Meta == nil {
				existing.Meta = map[string]string{}
			}
			existing.Meta[k] = v
		}
		return cloneRequest(existing), false, nil
	}
	if len(requests) >= s.opts.MaxPending {
		return Request{Channel: channel, SenderID: senderID}, false, nil
	}
	code, err := s.uniqueCodeLocked(channel)
	if err != nil {
		return Request{}, false, err
	}
	req := &Request{
		Channel:    channel,
		SenderID:   senderID,
		Code:       code,
		Meta:       copyMeta(meta),
		CreatedAt:  now,
		LastSeenAt: now,
	}
	requests[senderID] = req
	return cloneRequest(req), true, nil
}

func (s *MemoryStore) uniqueCodeLocked(channel string) (string, error) {
	for {
		code, err := GenerateCode()
		if err != nil {
			return "", err
		}
		taken := false
		for _, req := range s.pending[channel] {
			if req.Code == code {
				taken = true
				break
			}
		}
		if !taken {
			return code, nil
		}
	}
}

// ReadAllowFrom implements Store.
func (s *MemoryStore) ReadAllowFrom(_ context.Context, channel string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.allowed[strings.TrimSpace(channel)]
	out := make([]string, 0, len(entries))
	for senderID := range entries {
		out = append(out, senderID)
	}
	sort.Strings(out)
	return out, nil
}

// Touch implements Store.
func (s *MemoryStore) Touch(_ context.Context, channel, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.allowed[strings.TrimSpace(channel)][strings.TrimSpace(senderID)]; ok {
		entry.LastSeenAt = s.opts.Now()
	}
	return nil
}

// LastSeen returns when an approved sender was last seen.
func (s *MemoryStore) LastSeen(channel, senderID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.allowed[strings.TrimSpace(channel)][strings.TrimSpace(senderID)]
	if !ok {
		return time.Time{}, false
	}
	return entry.LastSeenAt, true
}

// List implements Store. An empty channel lists every channel.
func (s *MemoryStore) List(_ context.Context, channel string) ([]Request, error) {
	channel = strings.TrimSpace(channel)
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0)
	for ch, requests := range s.pending {
		if channel != "" && ch != channel {
			continue
		}
		for _, req := range requests {
			if s.expired(req, now) {
				continue
			}
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SenderID < out[j].SenderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Approve implements Store.
func (s *MemoryStore) Approve(_ context.Context, channel, code string) (Request, error) {
	channel = strings.TrimSpace(channel)
	code = NormalizeCode(code)
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneChannelLocked(channel, now)
	for senderID, req := range s.pending[channel] {
		if req.Code != code {
			continue
		}
		delete(s.pending[channel], senderID)
		entries := s.allowed[channel]
		if entries == nil {
			entries = map[string]*allowEntry{}
			s.allowed[channel] = entries
		}
		entries[senderID] = &allowEntry{ApprovedAt: now, LastSeenAt: now}
		return cloneRequest(req), nil
	}
	return Request{}, ErrNotFound
}

// PruneExpired implements Store.
func (s *MemoryStore) PruneExpired(_ context.Context) (int, error) {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for channel := range s.pending {
		removed += s.pruneChannelLocked(channel, now)
	}
	return removed, nil
}

func (s *MemoryStore) pruneChannelLocked(channel string, now time.Time) int {
	removed := 0
	for senderID, req := range s.pending[channel] {
		if s.expired(req, now) {
			delete(s.pending[channel], senderID)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) expired(req *Request, now time.Time) bool {
	return !now.Before(req.CreatedAt.Add(s.opts.TTL))
}

func cloneRequest(req *Request) Request {
	out := *req
	out.Meta = copyMeta(req.Meta)
	return out
}
