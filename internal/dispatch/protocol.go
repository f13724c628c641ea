package dispatch

import (
	"encoding/json"

	"github.com/memohai/chatgate/internal/channel"
)

const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"

	MethodConnect  = "connect"
	MethodDispatch = "dispatch"
	MethodCancel   = "cancel"

	EventReplyStart = "reply.start"
	EventReply      = "reply"
	EventIdle       = "idle"

	RoleBridge = "bridge"
)

// Frame is the websocket envelope shared by requests, responses and events.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int             `json:"seq,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectParams authenticates the gateway as a bridge.
type ConnectParams struct {
	Role    string `json:"role"`
	Token   string `json:"token"`
	Channel string `json:"channel,omitempty"`
}

// DispatchParams carries one inbound context.
type DispatchParams struct {
	Context channel.InboundContext `json:"context"`
}

// CancelParams aborts a running dispatch.
type CancelParams struct {
	RequestID string `json:"requestId"`
}

// EventPayload is the body of a dispatch event.
type EventPayload struct {
	RequestID string                `json:"requestId"`
	Reply     *channel.ReplyPayload `json:"reply,omitempty"`
}

func requestFrame(id, method string, params any) (Frame, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameRequest, ID: id, Method: method, Params: data}, nil
}

// ResponseFrame builds a response; a non-empty code yields ok=false.
func ResponseFrame(id string, payload any, code, message string) Frame {
	ok := code == ""
	f := Frame{Type: FrameResponse, ID: id, OK: &ok}
	if !ok {
		f.Error = &ErrorPayload{Code: code, Message: message}
		return f
	}
	if payload != nil {
		data, _ := json.Marshal(payload)
		f.Payload = data
	}
	return f
}

// EventFrame builds an event frame for requestID.
func EventFrame(event string, seq int, requestID string, reply *channel.ReplyPayload) Frame {
	data, _ := json.Marshal(EventPayload{RequestID: requestID, Reply: reply})
	return Frame{Type: FrameEvent, Event: event, Seq: seq, Payload: data}
}
