// Package pairing stores DM pairing requests and the senders approved through them.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// CodeAlphabet omits characters that are easy to confuse (0, O, 1, I).
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// CodeLength is the number of characters in a pairing code.
	CodeLength = 8
	// DefaultTTL is how long a pending request stays valid.
	DefaultTTL = time.Hour
	// DefaultMaxPending caps pending requests per channel.
	DefaultMaxPending = 3
)

// ErrNotFound is returned when no pending request matches.
var ErrNotFound = errors.New("pairing request not found")

// Request is a pending DM pairing request.
type Request struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	Code       string            `json:"code"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastSeenAt time.Time         `json:"last_seen_at"`
}

// Store persists pairing requests and the allow-from entries they produce.
type Store interface {
	// UpsertRequest returns the pending request for sender, creating one when
	// none exists. created is false for an existing request and when the
	// channel queue is full; a full queue yields an empty code.
	UpsertRequest(ctx context.Context, channel, senderID string, meta map[string]string) (Request, bool, error)
	ReadAllowFrom(ctx context.Context, channel string) ([]string, error)
	// Touch refreshes the last-seen time of an approved sender.
	Touch(ctx context.Context, channel, senderID string) error
	List(ctx context.Context, channel string) ([]Request, error)
	Approve(ctx context.Context, channel, code string) (Request, error)
	PruneExpired(ctx context.Context) (int, error)
}

// Options tunes request expiry and queue size.
type Options struct {
	TTL        time.Duration
	MaxPending int
	Now        func() time.Time
}

func (o Options) normalized() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// GenerateCode returns a random code drawn from CodeAlphabet.
func GenerateCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	out := make([]byte, CodeLength)
	for i, b := range buf {
		out[i] = CodeAlphabet[int(b)%len(CodeAlphabet)]
	}
	return string(out), nil
}

// NormalizeCode uppercases and trims an operator-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Message is the reply sent to a sender whose pairing request was just created.
func Message(channel, senderID, code string) string {
	return fmt.Sprintf(
		"This bot only talks to approved users.\nYour %s id: %s\nPairing code: %s\nAsk the operator to run: chatgate pairing approve %s %s",
		channel, senderID, code, channel, code,
	)
}

func copyMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	return out
}
