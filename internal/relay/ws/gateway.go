// Package ws owns the WebSocket edge of the relay: it authenticates and
// upgrades incoming connections, enforces the hello-first handshake and the
// per-connection wire rules, and pumps frames between sockets and the
// router.
//
// The split with the router is deliberate: the router holds live state and
// decides who hears what; this package only moves bytes and enforces what a
// single connection may do.
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentwire/relay/internal/identity"
	"github.com/agentwire/relay/internal/relay/model"
	"github.com/agentwire/relay/internal/relay/router"
)

// readSlack is how far past the payload cap the socket read limit sits. It
// admits moderately oversize frames so the peer gets a MESSAGE_TOO_LARGE
// error frame instead of a mid-read connection drop.
const readSlack = 4096

// credentialVerifier authenticates agent connections.
type credentialVerifier interface {
	VerifyAgentSecret(ctx context.Context, agentID, secret string) (*model.Agent, error)
	RecordTakeover(ctx context.Context, agentID string)
}

// tokenVerifier authenticates client connections.
type tokenVerifier interface {
	Verify(tokenStr string) (*identity.AccessClaims, error)
}

// presenceStore persists last-seen timestamps for the directory listing.
type presenceStore interface {
	TouchAgentLastSeen(ctx context.Context, id string, at time.Time) error
	TouchDeviceLastSeen(ctx context.Context, id string, at time.Time) error
}

// Config tunes the WebSocket edge. The zero value picks the defaults below.
type Config struct {
	MsgMaxBytes    int           // wire frame cap (default 32 KiB)
	MsgRate        int           // inbound frames allowed per window per connection (default 60)
	MsgRateWindow  time.Duration // budget window (default 60s)
	HelloTimeout   time.Duration // how long a fresh socket may take to say hello (default 10s)
	WriteTimeout   time.Duration // per-frame write deadline (default 10s)
	AllowedOrigins []string      // browser origins accepted on upgrade; empty allows all
}

func (c Config) withDefaults() Config {
	if c.MsgMaxBytes == 0 {
		c.MsgMaxBytes = 32 * 1024
	}
	if c.MsgRate == 0 {
		c.MsgRate = 60
	}
	if c.MsgRateWindow == 0 {
		c.MsgRateWindow = time.Minute
	}
	if c.HelloTimeout == 0 {
		c.HelloTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// peer is the slice of a router handle the pumps need. Both handle flavors
// satisfy it.
type peer interface {
	Send(model.Frame) bool
	Frames() <-chan model.Frame
	Done() <-chan struct{}
	Close(code int)
	CloseCode() int
	Touch()
}

// Gateway upgrades HTTP requests into relay sessions and runs their pumps.
type Gateway struct {
	cfg      Config
	router   *router.Router
	creds    credentialVerifier
	tokens   tokenVerifier
	presence presenceStore
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New creates a Gateway bridging sockets onto rt.
func New(cfg Config, rt *router.Router, creds credentialVerifier, tokens tokenVerifier, logger *zap.Logger) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:      cfg,
		router:   rt,
		creds:    creds,
		tokens:   tokens,
		upgrader: newUpgrader(cfg.AllowedOrigins),
		logger:   logger,
	}
}

// SetPresence attaches a store for last-seen bookkeeping. Without one the
// gateway skips the writes; live routing never depends on them.
func (g *Gateway) SetPresence(store presenceStore) { g.presence = store }

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Native processes (agents, CLI tools) send no Origin.
				return true
			}
			if len(allowed) == 0 {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}

// HandleAgent serves GET /ws/agent. Agents authenticate with their pairing
// secret as a bearer credential plus an agent_id query parameter; failures
// are refused before the upgrade so the agent sees a plain 401.
func (g *Gateway) HandleAgent(c *gin.Context) {
	agentID := strings.TrimSpace(c.Query("agent_id"))
	secret := identity.BearerToken(c.GetHeader("Authorization"))

	agent, err := g.creds.VerifyAgentSecret(c.Request.Context(), agentID, secret)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": model.ErrMessage(err),
			"code":  model.ErrCode(err),
		})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("agent upgrade refused", zap.String("agent_id", agentID), zap.Error(err))
		return
	}

	if !g.awaitHello(conn, model.RoleAgent, agent.ID) {
		return
	}

	h, takeover := g.router.AdmitAgent(agent.ID)
	if takeover {
		g.creds.RecordTakeover(context.Background(), agent.ID)
	}
	g.touchAgent(agent.ID)

	go g.writePump(conn, h)
	g.readFrames(conn, h, g.dispatchAgent(h))

	g.router.RemoveAgent(h)
	g.touchAgent(agent.ID)
}

// HandleClient serves GET /ws/client. Clients present a device access token
// as a bearer credential or, for browsers that cannot set headers on
// upgrade, as an access_token query parameter.
func (g *Gateway) HandleClient(c *gin.Context) {
	tokenStr := c.Query("access_token")
	if tokenStr == "" {
		tokenStr = identity.BearerToken(c.GetHeader("Authorization"))
	}
	if tokenStr == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "access token required",
			"code":  model.CodeUnauthorized,
		})
		return
	}

	claims, err := g.tokens.Verify(tokenStr)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid token: " + err.Error(),
			"code":  identity.TokenErrorCode(err),
		})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Debug("client upgrade refused", zap.String("device_id", claims.DeviceID()), zap.Error(err))
		return
	}

	if !g.awaitHello(conn, model.RoleClient, "") {
		return
	}

	h := g.router.AdmitClient(claims.AgentID, claims.DeviceID())
	g.touchDevice(claims.DeviceID())

	go g.writePump(conn, h)
	g.readFrames(conn, h, g.dispatchClient(h))

	g.router.RemoveClient(h)
	g.touchDevice(claims.DeviceID())
}

// awaitHello enforces the hello-first contract: the first frame on a fresh
// socket must be a hello declaring the expected role, within HelloTimeout.
// On violation it refuses the socket and returns false.
//
// agentID, when non-empty, must match any agent_id the hello carries; the
// credential, not the hello, is what binds identity.
func (g *Gateway) awaitHello(conn *websocket.Conn, role, agentID string) bool {
	conn.SetReadDeadline(time.Now().Add(g.cfg.HelloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return false
	}
	// Liveness is app-level from here on; the router's ping loop reaps
	// idle sessions.
	conn.SetReadDeadline(time.Time{})

	f, err := model.DecodeFrame(data)
	if err != nil || f.Type != model.FrameHello || f.Role != role {
		g.refuse(conn, model.CodeInvalidMessage, "hello{role="+role+"} expected as the first frame")
		return false
	}
	if agentID != "" && f.AgentID != "" && f.AgentID != agentID {
		g.refuse(conn, model.CodeUnauthorized, "hello agent_id does not match the authenticated agent")
		return false
	}
	return true
}

// refuse tears down a socket that never completed the handshake.
func (g *Gateway) refuse(conn *websocket.Conn, code, message string) {
	deadline := time.Now().Add(g.cfg.WriteTimeout)
	conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(model.ErrorFrame(code, message, ""))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
	conn.Close()
}

// readFrames is the session read loop. It enforces the frame size cap, the
// per-connection message budget, and frame decoding, handing every accepted
// frame to dispatch. It returns when the socket dies or a wire violation
// ends the session; the caller then removes the handle from the router.
func (g *Gateway) readFrames(conn *websocket.Conn, p peer, dispatch func(*model.Frame)) {
	conn.SetReadLimit(int64(g.cfg.MsgMaxBytes) + readSlack)
	limiter := rate.NewLimiter(rate.Every(g.cfg.MsgRateWindow/time.Duration(g.cfg.MsgRate)), g.cfg.MsgRate)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		p.Touch()

		if len(data) > g.cfg.MsgMaxBytes {
			p.Send(model.ErrorFrame(model.CodeMessageTooLarge, "frame exceeds the 32 KiB limit", ""))
			p.Close(websocket.CloseMessageTooBig)
			return
		}
		f, err := model.DecodeFrame(data)
		if err != nil {
			p.Send(model.ErrorFrame(model.CodeInvalidMessage, err.Error(), ""))
			p.Close(websocket.ClosePolicyViolation)
			return
		}
		if !limiter.Allow() {
			// The frame is dropped but the session survives; senders are
			// expected to back off on RATE_LIMITED.
			p.Send(model.ErrorFrame(model.CodeRateLimited, "message budget exhausted, slow down", f.RequestID))
			continue
		}
		dispatch(f)
	}
}

// dispatchAgent handles frames arriving on an agent session.
func (g *Gateway) dispatchAgent(h *router.AgentHandle) func(*model.Frame) {
	return func(f *model.Frame) {
		switch f.Type {
		case model.FrameChatResponse:
			g.router.RouteResponse(h, *f)
		case model.FramePresence:
			// Agents may push presence as a keepalive. Admission already
			// broadcast the real state, so it only refreshes liveness.
		case model.FramePing:
			h.Send(model.Frame{Type: model.FramePong, Ts: model.NowTs()})
		case model.FramePong:
			g.touchAgent(h.AgentID())
		default:
			h.Send(model.ErrorFrame(model.CodeInvalidMessage, "frame type not accepted from agents: "+f.Type, f.RequestID))
		}
	}
}

// dispatchClient handles frames arriving on a client session.
func (g *Gateway) dispatchClient(h *router.ClientHandle) func(*model.Frame) {
	return func(f *model.Frame) {
		switch f.Type {
		case model.FrameChatRequest:
			if f.RequestID == "" || f.Text == "" {
				h.Send(model.ErrorFrame(model.CodeInvalidMessage, "chat.request needs request_id and text", f.RequestID))
				return
			}
			g.router.RouteRequest(h, *f)
		case model.FramePresenceRequest:
			g.router.SendPresence(h)
		case model.FramePing:
			h.Send(model.Frame{Type: model.FramePong, Ts: model.NowTs()})
		case model.FramePong:
			// Reply to one of our liveness pings; Touch already counted it.
		default:
			h.Send(model.ErrorFrame(model.CodeInvalidMessage, "frame type not accepted from clients: "+f.Type, f.RequestID))
		}
	}
}

// writePump owns every socket write after the handshake. When the router
// closes the handle it flushes whatever is still buffered, sends a close
// frame carrying the handle's close code, and tears the socket down, which
// also unblocks the read side.
func (g *Gateway) writePump(conn *websocket.Conn, p peer) {
	defer conn.Close()
	for {
		select {
		case f := <-p.Frames():
			if !g.writeFrame(conn, f) {
				return
			}
		case <-p.Done():
			for {
				select {
				case f := <-p.Frames():
					if !g.writeFrame(conn, f) {
						return
					}
				default:
					code := p.CloseCode()
					if code == 0 {
						code = websocket.CloseNormalClosure
					}
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(code, ""),
						time.Now().Add(g.cfg.WriteTimeout))
					return
				}
			}
		}
	}
}

func (g *Gateway) writeFrame(conn *websocket.Conn, f model.Frame) bool {
	conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	return conn.WriteJSON(f) == nil
}

func (g *Gateway) touchAgent(id string) {
	if g.presence == nil {
		return
	}
	if err := g.presence.TouchAgentLastSeen(context.Background(), id, time.Now().UTC()); err != nil {
		g.logger.Warn("agent last-seen write failed (non-fatal)", zap.String("agent_id", id), zap.Error(err))
	}
}

func (g *Gateway) touchDevice(id string) {
	if g.presence == nil {
		return
	}
	if err := g.presence.TouchDeviceLastSeen(context.Background(), id, time.Now().UTC()); err != nil {
		g.logger.Warn("device last-seen write failed (non-fatal)", zap.String("device_id", id), zap.Error(err))
	}
}
