package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/memohai/chatgate/internal/channel"
)

// ErrConnectionClosed is returned to in-flight dispatches when the agent
// connection drops.
var ErrConnectionClosed = errors.New("agent connection closed")

const (
	defaultDispatchTimeout = 5 * time.Minute
	handshakeTimeout       = 10 * time.Second
)

// WSOptions configures a WSClient.
type WSOptions struct {
	URL     string
	Token   string
	Timeout time.Duration
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
}

// WSClient is a Dispatcher speaking the frame protocol over one shared
// websocket connection. The connection is dialed lazily and redialed after
// a failure.
type WSClient struct {
	opts   WSOptions
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*pendingCall

	writeMu sync.Mutex
}

type callEvent struct {
	kind   string
	reply  channel.ReplyPayload
	result Result
	err    error
}

// pendingCall queues events for one dispatch. The queue is unbounded so a
// slow consumer never blocks the shared read loop.
type pendingCall struct {
	mu     sync.Mutex
	queue  []callEvent
	notify chan struct{}
}

func newPendingCall() *pendingCall {
	return &pendingCall{notify: make(chan struct{}, 1)}
}

func (p *pendingCall) push(ev callEvent) {
	p.mu.Lock()
	p.queue = append(p.queue, ev)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pendingCall) drain() []callEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queue
	p.queue = nil
	return out
}

// NewWSClient creates a client; nothing is dialed until the first dispatch.
func NewWSClient(opts WSOptions) *WSClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDispatchTimeout
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = handshakeTimeout
		opts.Dialer = &d
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &WSClient{
		opts:    opts,
		logger:  log.With(slog.String("component", "dispatch")),
		pending: map[string]*pendingCall{},
	}
}

// Dispatch implements Dispatcher.
func (c *WSClient) Dispatch(ctx context.Context, req Request) (<-chan channel.ReplyPayload, <-chan Outcome) {
	replies := make(chan channel.ReplyPayload)
	outcome := make(chan Outcome, 1)

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	id := uuid.NewString()
	call := newPendingCall()

	onIdle := req.OnIdle
	req.OnIdle = sync.OnceFunc(func() {
		if onIdle != nil {
			onIdle()
		}
	})
	go func() {
		defer cancel()
		res, err := c.run(ctx, id, call, req, replies)
		req.OnIdle()
		close(replies)
		outcome <- Outcome{Result: res, Err: err}
		close(outcome)
	}()
	return replies, outcome
}

func (c *WSClient) run(ctx context.Context, id string, call *pendingCall, req Request, replies chan<- channel.ReplyPayload) (Result, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return Result{}, err
	}
	c.mu.Lock()
	c.pending[id] = call
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := requestFrame(id, MethodDispatch, DispatchParams{Context: req.Context})
	if err != nil {
		return Result{}, fmt.Errorf("encode dispatch: %w", err)
	}
	if err := c.write(conn, frame); err != nil {
		c.dropConn(conn, err)
		return Result{}, fmt.Errorf("send dispatch: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.sendCancel(conn, id)
			return Result{}, ctx.Err()
		case <-call.notify:
			for _, ev := range call.drain() {
				switch ev.kind {
				case EventReplyStart:
					if req.OnReplyStart != nil {
						req.OnReplyStart()
					}
				case EventReply:
					select {
					case replies <- ev.reply:
					case <-ctx.Done():
						c.sendCancel(conn, id)
						return Result{}, ctx.Err()
					}
				case EventIdle:
					req.OnIdle()
				case FrameResponse:
					return ev.result, ev.err
				}
			}
		}
	}
}

func (c *WSClient) sendCancel(conn *websocket.Conn, id string) {
	frame, err := requestFrame(uuid.NewString(), MethodCancel, CancelParams{RequestID: id})
	if err != nil {
		return
	}
	if err := c.write(conn, frame); err != nil {
		c.logger.Debug("send cancel failed", slog.String("request_id", id), slog.Any("error", err))
	}
}

func (c *WSClient) write(conn *websocket.Conn, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// ensureConn returns the live connection, dialing once for all concurrent
// callers. The dial is detached from any single caller's context and bounded
// by the handshake timeout; each caller stops waiting when its own ctx ends.
func (c *WSClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	ch := c.group.DoChan("conn", func() (any, error) {
		c.mu.Lock()
		existing := c.conn
		c.mu.Unlock()
		if existing != nil {
			return existing, nil
		}
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handshakeTimeout)
		defer cancel()
		dialed, err := c.dial(dialCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.conn = dialed
		c.mu.Unlock()
		go c.readLoop(dialed)
		return dialed, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*websocket.Conn), nil
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if token := strings.TrimSpace(c.opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial agent gateway: %w", err)
	}
	id := uuid.NewString()
	frame, err := requestFrame(id, MethodConnect, ConnectParams{Role: RoleBridge, Token: c.opts.Token, Channel: "chatgate"})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var res Frame
	if err := conn.ReadJSON(&res); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if res.Type != FrameResponse || res.ID != id || res.OK == nil || !*res.OK {
		_ = conn.Close()
		return nil, fmt.Errorf("agent gateway rejected connect: %s", errorMessage(res))
	}
	c.logger.Info("agent gateway connected", slog.String("url", c.opts.URL))
	return conn, nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.dropConn(conn, err)
			return
		}
		switch frame.Type {
		case FrameResponse:
			ev := callEvent{kind: FrameResponse}
			if frame.OK != nil && *frame.OK {
				if len(frame.Payload) > 0 {
					if err := json.Unmarshal(frame.Payload, &ev.result); err != nil {
						ev.err = fmt.Errorf("decode dispatch result: %w", err)
					}
				}
			} else {
				ev.err = fmt.Errorf("agent dispatch failed: %s", errorMessage(frame))
			}
			c.deliver(frame.ID, ev)
		case FrameEvent:
			var payload EventPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				c.logger.Warn("malformed agent event", slog.String("event", frame.Event), slog.Any("error", err))
				continue
			}
			ev := callEvent{kind: frame.Event}
			if frame.Event == EventReply {
				if payload.Reply == nil {
					continue
				}
				ev.reply = *payload.Reply
			}
			c.deliver(payload.RequestID, ev)
		}
	}
}

func (c *WSClient) deliver(id string, ev callEvent) {
	c.mu.Lock()
	call := c.pending[id]
	c.mu.Unlock()
	if call == nil {
		return
	}
	call.push(ev)
}

// dropConn forgets conn and fails every in-flight call that used it.
func (c *WSClient) dropConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.mu.Unlock()
	_ = conn.Close()
	c.logger.Warn("agent gateway connection lost", slog.Any("error", cause))
	for _, call := range calls {
		call.push(callEvent{kind: FrameResponse, err: fmt.Errorf("%w: %w", ErrConnectionClosed, cause)})
	}
}

// Close shuts the connection down.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.dropConn(conn, ErrConnectionClosed)
	return nil
}

func errorMessage(f Frame) string {
	if f.Error == nil {
		return "unknown error"
	}
	if f.Error.Code == "" {
		return f.Error.Message
	}
	return f.Error.Code + ": " + f.Error.Message
}
