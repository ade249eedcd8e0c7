package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentwire/relay/internal/identity"
	"github.com/agentwire/relay/internal/relay/model"
	"github.com/agentwire/relay/internal/relay/router"
	"github.com/agentwire/relay/internal/relay/ws"
)

var testTokens = identity.NewTokenIssuer([]byte("test-signing-secret-test-signing"), "https://relay.test", 15*time.Minute)

// ── Stubs ─────────────────────────────────────────────────────────────────

type stubCreds struct {
	mu        sync.Mutex
	secrets   map[string]string
	takeovers map[string]int
}

func newStubCreds() *stubCreds {
	return &stubCreds{
		secrets:   map[string]string{"a1": "secret-1", "a2": "secret-2"},
		takeovers: map[string]int{},
	}
}

func (s *stubCreds) VerifyAgentSecret(_ context.Context, agentID, secret string) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agentID == "" || secret == "" {
		return nil, model.Coded(model.CodeInvalidCredentials, "agent_id and secret are required")
	}
	want, ok := s.secrets[agentID]
	if !ok {
		return nil, model.Coded(model.CodeAgentNotPaired, "agent has never completed pairing")
	}
	if want != secret {
		return nil, model.Coded(model.CodeInvalidCredentials, "agent secret mismatch")
	}
	return &model.Agent{ID: agentID, DisplayName: "Agent " + agentID}, nil
}

func (s *stubCreds) RecordTakeover(_ context.Context, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takeovers[agentID]++
}

func (s *stubCreds) takeoverCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeovers[agentID]
}

type stubPresence struct {
	mu      sync.Mutex
	agents  map[string]int
	devices map[string]int
}

func newStubPresence() *stubPresence {
	return &stubPresence{agents: map[string]int{}, devices: map[string]int{}}
}

func (s *stubPresence) TouchAgentLastSeen(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[id]++
	return nil
}

func (s *stubPresence) TouchDeviceLastSeen(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[id]++
	return nil
}

func (s *stubPresence) agentTouches(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[id]
}

func (s *stubPresence) deviceTouches(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[id]
}

// ── Test setup ────────────────────────────────────────────────────────────

type gatewayFixture struct {
	srv    *httptest.Server
	router *router.Router
	creds  *stubCreds
	seen   *stubPresence
}

func setupGateway(t *testing.T, cfg ws.Config) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	creds := newStubCreds()
	seen := newStubPresence()
	rt := router.New(router.Config{}, zap.NewNop())

	gw := ws.New(cfg, rt, creds, testTokens, zap.NewNop())
	gw.SetPresence(seen)

	r := gin.New()
	r.GET("/ws/agent", gw.HandleAgent)
	r.GET("/ws/client", gw.HandleClient)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &gatewayFixture{srv: srv, router: rt, creds: creds, seen: seen}
}

// dialAgent connects and completes the hello handshake as agentID.
func (fx *gatewayFixture) dialAgent(t *testing.T, agentID, secret string) *websocket.Conn {
	t.Helper()
	hdr := http.Header{"Authorization": {"Bearer " + secret}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(fx.srv, "/ws/agent?agent_id="+agentID), hdr)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	sendFrame(t, conn, model.Frame{Type: model.FrameHello, Role: model.RoleAgent, AgentID: agentID})
	return conn
}

// dialClient mints an access token bound to (agentID, deviceID), connects,
// and completes the hello handshake.
func (fx *gatewayFixture) dialClient(t *testing.T, agentID, deviceID string) *websocket.Conn {
	t.Helper()
	token, err := testTokens.Issue(deviceID, agentID, "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(fx.srv, "/ws/client?access_token="+token), nil)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	sendFrame(t, conn, model.Frame{Type: model.FrameHello, Role: model.RoleClient})
	return conn
}

// ── Helpers ───────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func sendFrame(t *testing.T, conn *websocket.Conn, f model.Frame) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *model.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := model.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

// readFrameOfType skips interleaved presence and ping traffic until the
// wanted frame type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) *model.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.Type == frameType {
			return f
		}
	}
	t.Fatalf("no %s frame arrived", frameType)
	return nil
}

// expectClose reads until the peer closes and asserts the close code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, code) {
				t.Fatalf("expected close code %d, got %v", code, err)
			}
			return
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// expectRejection asserts the handshake fails before the upgrade with the
// given HTTP status and wire code.
func expectRejection(t *testing.T, url string, hdr http.Header, status int, code string) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err == nil {
		conn.Close()
		t.Fatal("expected the handshake to be rejected")
	}
	if resp == nil {
		t.Fatalf("no HTTP response captured: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != status {
		t.Fatalf("expected status %d, got %d", status, resp.StatusCode)
	}
	if code == "" {
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode rejection body: %v", err)
	}
	if body.Code != code {
		t.Fatalf("expected code %s, got %s", code, body.Code)
	}
}

// ── Authentication ────────────────────────────────────────────────────────

func TestHandleAgent_badSecretRejectedBeforeUpgrade(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	hdr := http.Header{"Authorization": {"Bearer wrong-secret"}}
	expectRejection(t, wsURL(fx.srv, "/ws/agent?agent_id=a1"), hdr,
		http.StatusUnauthorized, model.CodeInvalidCredentials)
}

func TestHandleAgent_unpairedAgentRejected(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	hdr := http.Header{"Authorization": {"Bearer whatever"}}
	expectRejection(t, wsURL(fx.srv, "/ws/agent?agent_id=ghost"), hdr,
		http.StatusUnauthorized, model.CodeAgentNotPaired)
}

func TestHandleClient_missingTokenRejected(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	expectRejection(t, wsURL(fx.srv, "/ws/client"), nil,
		http.StatusUnauthorized, model.CodeUnauthorized)
}

func TestHandleClient_expiredTokenRejected(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	stale := identity.NewTokenIssuer([]byte("test-signing-secret-test-signing"), "https://relay.test", -time.Minute)
	token, err := stale.Issue("d1", "a1", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	expectRejection(t, wsURL(fx.srv, "/ws/client?access_token="+token), nil,
		http.StatusUnauthorized, model.CodeTokenExpired)
}

func TestHandleClient_garbageTokenRejected(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	expectRejection(t, wsURL(fx.srv, "/ws/client?access_token=not-a-jwt"), nil,
		http.StatusUnauthorized, model.CodeTokenInvalid)
}

func TestHandleClient_bearerHeaderAccepted(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	token, err := testTokens.Issue("d1", "a1", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	hdr := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(fx.srv, "/ws/client"), hdr)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer conn.Close()

	sendFrame(t, conn, model.Frame{Type: model.FrameHello, Role: model.RoleClient})
	f := readFrameOfType(t, conn, model.FramePresence)
	if f.AgentID != "a1" {
		t.Fatalf("expected presence for a1, got %s", f.AgentID)
	}
}

// ── Handshake ─────────────────────────────────────────────────────────────

func TestGateway_helloMustComeFirst(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	hdr := http.Header{"Authorization": {"Bearer secret-1"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(fx.srv, "/ws/agent?agent_id=a1"), hdr)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer conn.Close()

	sendFrame(t, conn, model.Frame{Type: model.FrameChatResponse, RequestID: "r1", Reply: "too eager"})

	f := readFrame(t, conn)
	if f.Type != model.FrameError || f.Code != model.CodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE error frame, got %+v", f)
	}
	expectClose(t, conn, websocket.ClosePolicyViolation)

	if fx.router.AgentOnline("a1") {
		t.Fatal("agent must not be admitted without a hello")
	}
}

func TestGateway_helloWrongRoleRefused(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	token, err := testTokens.Issue("d1", "a1", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(fx.srv, "/ws/client?access_token="+token), nil)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer conn.Close()

	sendFrame(t, conn, model.Frame{Type: model.FrameHello, Role: model.RoleAgent})

	f := readFrame(t, conn)
	if f.Type != model.FrameError || f.Code != model.CodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE error frame, got %+v", f)
	}
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestGateway_helloAgentIDMismatchRefused(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	hdr := http.Header{"Authorization": {"Bearer secret-1"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(fx.srv, "/ws/agent?agent_id=a1"), hdr)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer conn.Close()

	sendFrame(t, conn, model.Frame{Type: model.FrameHello, Role: model.RoleAgent, AgentID: "a2"})

	f := readFrame(t, conn)
	if f.Type != model.FrameError || f.Code != model.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED error frame, got %+v", f)
	}
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

// ── Frame flow ────────────────────────────────────────────────────────────

func TestGateway_chatRoundTrip(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	agent := fx.dialAgent(t, "a1", "secret-1")
	waitFor(t, "agent admission", func() bool { return fx.router.AgentOnline("a1") })

	client := fx.dialClient(t, "a1", "d1")

	snap := readFrameOfType(t, client, model.FramePresence)
	if snap.AgentID != "a1" || snap.Online == nil || !*snap.Online {
		t.Fatalf("expected online presence snapshot, got %+v", snap)
	}

	sendFrame(t, client, model.Frame{
		Type:      model.FrameChatRequest,
		RequestID: "r1",
		AgentID:   "a1",
		SessionID: "s1",
		Text:      "hi",
	})

	got := readFrameOfType(t, agent, model.FrameChatRequest)
	if got.RequestID != "r1" || got.Text != "hi" || got.SessionID != "s1" {
		t.Fatalf("agent received mangled request: %+v", got)
	}
	if len(got.Ts) == 0 {
		t.Fatal("relay must stamp ts on forwarded requests")
	}

	ack := readFrameOfType(t, client, model.FrameMessageSent)
	if ack.RequestID != "r1" {
		t.Fatalf("expected ack for r1, got %s", ack.RequestID)
	}

	// The agent answers using the message alias; the client must see the
	// body under reply.
	sendFrame(t, agent, model.Frame{
		Type:      model.FrameChatResponse,
		RequestID: "r1",
		SessionID: "s1",
		Message:   "hello there",
	})

	resp := readFrameOfType(t, client, model.FrameChatResponse)
	if resp.Reply != "hello there" || resp.Message != "" {
		t.Fatalf("expected canonicalized reply, got %+v", resp)
	}
	if resp.AgentID != "a1" || resp.RequestID != "r1" {
		t.Fatalf("response lost its addressing: %+v", resp)
	}
	if len(resp.Ts) == 0 {
		t.Fatal("relay must stamp ts on responses")
	}
}

func TestGateway_requestNeedsIDAndText(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	client := fx.dialClient(t, "a1", "d1")
	readFrameOfType(t, client, model.FramePresence)

	sendFrame(t, client, model.Frame{Type: model.FrameChatRequest, RequestID: "r1"})

	f := readFrameOfType(t, client, model.FrameError)
	if f.Code != model.CodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE, got %s", f.Code)
	}

	// The violation costs the frame, not the session.
	sendFrame(t, client, model.Frame{Type: model.FramePing})
	readFrameOfType(t, client, model.FramePong)
}

func TestGateway_requestQueuedWhileAgentOffline(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	client := fx.dialClient(t, "a1", "d1")

	snap := readFrameOfType(t, client, model.FramePresence)
	if snap.Online == nil || *snap.Online {
		t.Fatalf("expected offline snapshot, got %+v", snap)
	}

	sendFrame(t, client, model.Frame{Type: model.FrameChatRequest, RequestID: "r1", Text: "anyone home"})

	ack := readFrameOfType(t, client, model.FrameMessageSent)
	if ack.RequestID != "r1" {
		t.Fatalf("queued request still gets an ack, got %+v", ack)
	}

	agent := fx.dialAgent(t, "a1", "secret-1")

	got := readFrameOfType(t, agent, model.FrameChatRequest)
	if got.RequestID != "r1" || got.Text != "anyone home" {
		t.Fatalf("queued request not delivered on reconnect: %+v", got)
	}

	online := readFrameOfType(t, client, model.FramePresence)
	if online.Online == nil || !*online.Online {
		t.Fatalf("expected online broadcast, got %+v", online)
	}
}

func TestGateway_takeoverClosesPriorConnection(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	first := fx.dialAgent(t, "a1", "secret-1")
	waitFor(t, "agent admission", func() bool { return fx.router.AgentOnline("a1") })

	second := fx.dialAgent(t, "a1", "secret-1")

	expectClose(t, first, router.CloseConflict)
	waitFor(t, "takeover audit", func() bool { return fx.creds.takeoverCount("a1") == 1 })

	// The replacement session is live.
	sendFrame(t, second, model.Frame{Type: model.FramePing})
	readFrameOfType(t, second, model.FramePong)
}

// ── Wire rules ────────────────────────────────────────────────────────────

func TestGateway_oversizeFrameCloses(t *testing.T) {
	fx := setupGateway(t, ws.Config{MsgMaxBytes: 256})

	client := fx.dialClient(t, "a1", "d1")
	readFrameOfType(t, client, model.FramePresence)

	sendFrame(t, client, model.Frame{
		Type:      model.FrameChatRequest,
		RequestID: "r1",
		Text:      strings.Repeat("x", 300),
	})

	f := readFrameOfType(t, client, model.FrameError)
	if f.Code != model.CodeMessageTooLarge {
		t.Fatalf("expected MESSAGE_TOO_LARGE, got %s", f.Code)
	}
	expectClose(t, client, websocket.CloseMessageTooBig)
}

func TestGateway_malformedJSONCloses(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	client := fx.dialClient(t, "a1", "d1")
	readFrameOfType(t, client, model.FramePresence)

	client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := client.WriteMessage(websocket.TextMessage, []byte("{oops")); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}

	f := readFrameOfType(t, client, model.FrameError)
	if f.Code != model.CodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE, got %s", f.Code)
	}
	expectClose(t, client, websocket.ClosePolicyViolation)
}

func TestGateway_rateLimitDropsFrameKeepsSession(t *testing.T) {
	fx := setupGateway(t, ws.Config{MsgRate: 3, MsgRateWindow: time.Hour})

	client := fx.dialClient(t, "a1", "d1")
	readFrameOfType(t, client, model.FramePresence)

	for i := 0; i < 3; i++ {
		sendFrame(t, client, model.Frame{Type: model.FramePing})
		readFrameOfType(t, client, model.FramePong)
	}

	sendFrame(t, client, model.Frame{Type: model.FramePing})
	f := readFrameOfType(t, client, model.FrameError)
	if f.Code != model.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %s", f.Code)
	}

	// Still connected: further traffic keeps drawing errors, not a close.
	sendFrame(t, client, model.Frame{Type: model.FramePing})
	again := readFrameOfType(t, client, model.FrameError)
	if again.Code != model.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %s", again.Code)
	}
}

func TestGateway_wrongRoleFrameDropped(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	client := fx.dialClient(t, "a1", "d1")
	readFrameOfType(t, client, model.FramePresence)

	sendFrame(t, client, model.Frame{Type: model.FrameChatResponse, RequestID: "r1", Reply: "i am not an agent"})

	f := readFrameOfType(t, client, model.FrameError)
	if f.Code != model.CodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE, got %s", f.Code)
	}

	sendFrame(t, client, model.Frame{Type: model.FramePing})
	readFrameOfType(t, client, model.FramePong)
}

// ── Origin policy ─────────────────────────────────────────────────────────

func TestGateway_originAllowlist(t *testing.T) {
	fx := setupGateway(t, ws.Config{AllowedOrigins: []string{"https://app.example.com"}})

	token, err := testTokens.Issue("d1", "a1", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	url := wsURL(fx.srv, "/ws/client?access_token="+token)

	hdr := http.Header{"Origin": {"https://evil.example"}}
	expectRejection(t, url, hdr, http.StatusForbidden, "")

	hdr = http.Header{"Origin": {"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("allowed origin refused: %v", err)
	}
	conn.Close()
}

// ── Last-seen bookkeeping ─────────────────────────────────────────────────

func TestGateway_lastSeenTouches(t *testing.T) {
	fx := setupGateway(t, ws.Config{})

	agent := fx.dialAgent(t, "a1", "secret-1")
	client := fx.dialClient(t, "a1", "d1")

	waitFor(t, "connect touches", func() bool {
		return fx.seen.agentTouches("a1") >= 1 && fx.seen.deviceTouches("d1") >= 1
	})

	agent.Close()
	client.Close()

	waitFor(t, "disconnect touches", func() bool {
		return fx.seen.agentTouches("a1") >= 2 && fx.seen.deviceTouches("d1") >= 2
	})
}
