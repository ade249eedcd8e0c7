package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types carried over the relay's WebSocket endpoints.
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

// Frame is the relay's wire envelope. Ts is raw JSON so numeric and string
// timestamps survive a round trip unchanged.
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

const writeWait = 10 * time.Second

// wsConn is the shared plumbing under both connection flavors: one socket,
// one write lock, deadline-bounded IO.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteJSON(f)
}

// readFrame blocks for the next frame. A deadline on ctx bounds the wait;
// without one the read blocks until the peer sends or the socket dies.
func (w *wsConn) readFrame(ctx context.Context) (*Frame, error) {
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := w.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// Close sends a normal-closure frame and tears the socket down.
func (w *wsConn) Close() error {
	w.mu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.mu.Unlock()
	return w.conn.Close()
}

// AgentConn is an agent-side relay session. One agent may hold at most one
// live session; dialing again from elsewhere evicts this one.
type AgentConn struct {
	wsConn
	agentID string
}

// AgentID returns the agent this session authenticated as.
func (a *AgentConn) AgentID() string { return a.agentID }

// DialAgent connects an agent to the relay, authenticating with its shared
// secret and completing the hello handshake. Queued requests that arrived
// while the agent was offline are delivered immediately after admission.
func (c *Client) DialAgent(ctx context.Context, agentID, secret string) (*AgentConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+secret)

	conn, err := c.dialWS(ctx, "/ws/agent?agent_id="+url.QueryEscape(agentID), header)
	if err != nil {
		return nil, err
	}

	a := &AgentConn{wsConn: wsConn{conn: conn}, agentID: agentID}
	if err := a.writeFrame(Frame{Type: FrameHello, Role: RoleAgent, AgentID: agentID, Ts: nowTs()}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return a, nil
}

// ReadRequest blocks for the next chat.request addressed to this agent.
// Liveness pings from the relay are answered transparently. A wire error
// frame is returned as *APIError; the session usually survives those (the
// relay drops the offending frame and keeps the socket), so callers may
// inspect the code and continue reading.
func (a *AgentConn) ReadRequest(ctx context.Context) (*Frame, error) {
	for {
		f, err := a.readFrame(ctx)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case FrameChatRequest:
			return f, nil
		case FramePing:
			if err := a.writeFrame(Frame{Type: FramePong, Ts: nowTs()}); err != nil {
				return nil, err
			}
		case FrameError:
			return nil, &APIError{Code: f.Code, Message: f.Message, RequestID: f.RequestID}
		default:
			// pongs and other bookkeeping frames carry nothing for the agent
		}
	}
}

// SendResponse answers one chat request. The reply is fanned out to every
// device currently watching this agent.
func (a *AgentConn) SendResponse(requestID, sessionID, reply string) error {
	return a.writeFrame(Frame{
		Type:      FrameChatResponse,
		RequestID: requestID,
		SessionID: sessionID,
		Reply:     reply,
		Ts:        nowTs(),
	})
}

// ClientConn is a device-side relay session bound to the agent named in the
// device's access token.
type ClientConn struct {
	wsConn
}

// DialClient connects a paired device to the relay using the client's access
// token and completes the hello handshake.
func (c *Client) DialClient(ctx context.Context) (*ClientConn, error) {
	if c.accessToken == "" {
		return nil, errors.New("access token required: use WithAccessToken or SetAccessToken")
	}

	conn, err := c.dialWS(ctx, "/ws/client?access_token="+url.QueryEscape(c.accessToken), nil)
	if err != nil {
		return nil, err
	}

	w := &ClientConn{wsConn: wsConn{conn: conn}}
	if err := w.writeFrame(Frame{Type: FrameHello, Role: RoleClient, Ts: nowTs()}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return w, nil
}

// Send submits a chat request. The relay acknowledges with a message_sent
// frame; the agent's answer arrives later as a chat.response carrying the
// same request_id.
func (w *ClientConn) Send(requestID, agentID, sessionID, text string) error {
	return w.writeFrame(Frame{
		Type:      FrameChatRequest,
		RequestID: requestID,
		AgentID:   agentID,
		SessionID: sessionID,
		Text:      text,
		Ts:        nowTs(),
	})
}

// RequestPresence asks the relay for an immediate presence snapshot of the
// device's agent.
func (w *ClientConn) RequestPresence() error {
	return w.writeFrame(Frame{Type: FramePresenceRequest, Ts: nowTs()})
}

// ReadFrame blocks for the next frame. Liveness pings are answered
// transparently and pongs are skipped; everything else, error frames
// included, is returned verbatim.
func (w *ClientConn) ReadFrame(ctx context.Context) (*Frame, error) {
	for {
		f, err := w.readFrame(ctx)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case FramePing:
			if err := w.writeFrame(Frame{Type: FramePong, Ts: nowTs()}); err != nil {
				return nil, err
			}
		case FramePong:
			// answer to one of our own pings
		default:
			return f, nil
		}
	}
}

// WaitResponse reads until the chat.response for requestID arrives and
// returns its reply body. Error frames scoped to this request (or to the
// whole session) become *APIError; unrelated traffic is skipped.
func (w *ClientConn) WaitResponse(ctx context.Context, requestID string) (string, error) {
	for {
		f, err := w.ReadFrame(ctx)
		if err != nil {
			return "", err
		}
		switch f.Type {
		case FrameChatResponse:
			if f.RequestID == requestID {
				return f.Reply, nil
			}
		case FrameError:
			if f.RequestID == requestID || f.RequestID == "" {
				return "", &APIError{Code: f.Code, Message: f.Message, RequestID: f.RequestID}
			}
		}
	}
}

// dialWS opens a WebSocket to the relay, turning a refused upgrade into the
// same *APIError shape the HTTP API uses.
func (c *Client) dialWS(ctx context.Context, path string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	if c.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	conn, resp, err := dialer.DialContext(ctx, wsBase(c.baseURL)+path, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			return nil, parseAPIError(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

// wsBase rewrites an http(s) base URL to its ws(s) twin.
func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// nowTs stamps the current time as a unix-millisecond JSON number.
func nowTs() json.RawMessage {
	return json.RawMessage(strconv.FormatInt(time.Now().UnixMilli(), 10))
}
