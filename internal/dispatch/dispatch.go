// Package dispatch hands admitted inbound contexts to the agent layer and
// streams the replies back.
package dispatch

import (
	"context"

	"github.com/memohai/chatgate/internal/channel"
)

// Request is one dispatch. The callbacks run on the dispatcher's goroutine
// and must not block.
type Request struct {
	Context channel.InboundContext
	// OnReplyStart fires when the agent starts producing a reply.
	OnReplyStart func()
	// OnIdle fires once when the agent is done, including on failure.
	OnIdle func()
}

// Result summarizes a finished dispatch.
type Result struct {
	QueuedFinal bool           `json:"queuedFinal"`
	Counts      map[string]int `json:"counts,omitempty"`
}

// Outcome is the terminal value of a dispatch.
type Outcome struct {
	Result Result
	Err    error
}

// Dispatcher sends an inbound context to the agent. The reply channel is
// closed before the single Outcome is delivered.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (<-chan channel.ReplyPayload, <-chan Outcome)
}
