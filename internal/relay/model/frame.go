package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Frame types carried over the WebSocket endpoints. Every message is a
// single JSON object with a "type" discriminator.
const (
	FrameHello           = "hello"
	FramePresence        = "presence"
	FramePresenceRequest = "presence.request"
	FrameChatRequest     = "chat.request"
	FrameChatResponse    = "chat.response"
	FrameMessageSent     = "message_sent"
	FrameError           = "error"
	FramePing            = "ping"
	FramePong            = "pong"
)

// Connection roles declared in the hello frame.
const (
	RoleAgent  = "agent"
	RoleClient = "client"
)

// Frame is the wire envelope for every WebSocket message. Payload fields the
// relay does not interpret (text, reply, message bodies) are forwarded as-is
// and never persisted. Ts stays raw JSON so numeric and string timestamps
// from peers survive a round trip byte-for-byte.
type Frame struct {
	Type      string          `json:"type"`
	Role      string          `json:"role,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Reply     string          `json:"reply,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      string          `json:"code,omitempty"`
	Online    *bool           `json:"online,omitempty"`
	Ts        json.RawMessage `json:"ts,omitempty"`
}

var knownFrameTypes = map[string]bool{
	FrameHello:           true,
	FramePresence:        true,
	FramePresenceRequest: true,
	FrameChatRequest:     true,
	FrameChatResponse:    true,
	FrameMessageSent:     true,
	FrameError:           true,
	FramePing:            true,
	FramePong:            true,
}

// DecodeFrame parses a single wire message. It rejects frames that are not
// JSON objects and frames whose type is missing or unknown; field-level
// validation is left to the endpoint that accepted the frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	if !knownFrameTypes[f.Type] {
		return nil, fmt.Errorf("decode frame: unknown type %q", f.Type)
	}
	return &f, nil
}

// ResponseBody returns the reply body of a chat.response under the field
// aliases peers are allowed to use, in precedence order.
func (f *Frame) ResponseBody() string {
	if f.Reply != "" {
		return f.Reply
	}
	if f.Text != "" {
		return f.Text
	}
	return f.Message
}

// Canonicalize rewrites a chat.response so the body always travels in the
// reply field on the way out, whatever alias the agent used.
func (f *Frame) Canonicalize() {
	if f.Type != FrameChatResponse {
		return
	}
	body := f.ResponseBody()
	f.Reply = body
	f.Text = ""
	f.Message = ""
}

// NowTs stamps the current server time as a unix-millisecond JSON number.
func NowTs() json.RawMessage {
	return json.RawMessage(strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// ErrorFrame builds the error envelope sent to a misbehaving or unlucky peer.
// RequestID is set when the failure is scoped to a single chat request.
func ErrorFrame(code, message, requestID string) Frame {
	return Frame{
		Type:      FrameError,
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Ts:        NowTs(),
	}
}

// PresenceFrame reports an agent going online or offline.
func PresenceFrame(agentID string, online bool) Frame {
	return Frame{
		Type:    FramePresence,
		AgentID: agentID,
		Online:  &online,
		Ts:      NowTs(),
	}
}

// MessageSentFrame acknowledges acceptance of a chat.request.
func MessageSentFrame(requestID string) Frame {
	return Frame{
		Type:      FrameMessageSent,
		RequestID: requestID,
		Ts:        NowTs(),
	}
}
