//go:build integration

package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/agentwire/relay/internal/audit"
	"github.com/agentwire/relay/internal/identity"
	"github.com/agentwire/relay/internal/relay/handler"
	"github.com/agentwire/relay/internal/relay/repository"
	"github.com/agentwire/relay/internal/relay/router"
	"github.com/agentwire/relay/internal/relay/service"
	"github.com/agentwire/relay/internal/relay/ws"
	"github.com/agentwire/relay/pkg/client"
)

func setupIntegration(t *testing.T) (*httptest.Server, *pgxpool.Pool) {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set — skipping integration test")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	// Reset durable state for deterministic tests. The genesis audit row
	// stays: Append reads the chain tail, so the table must never be empty.
	for _, q := range []string{
		"DELETE FROM refresh_tokens",
		"DELETE FROM pairings",
		"DELETE FROM devices",
		"DELETE FROM account_agents",
		"DELETE FROM account_sessions",
		"DELETE FROM accounts",
		"DELETE FROM agents",
		"DELETE FROM rate_counters",
		"DELETE FROM audit_log WHERE idx > 0",
	} {
		db.Exec(ctx, q)
	}

	logger := zap.NewNop()

	tokens := identity.NewTokenIssuer([]byte("integration-test-signing-key"), "https://relay.test", 15*time.Minute)
	secrets := identity.NewSecretVerifier("")
	store := repository.New(db)
	auditLog := audit.NewPostgresLog(db, logger)

	creds := service.NewCredentialService(store, tokens, secrets, service.Config{}, logger)
	creds.SetAuditLog(auditLog)
	accounts := service.NewAccountService(store, 1, logger)

	rt := router.New(router.Config{}, logger)
	runCtx, stop := context.WithCancel(context.Background())
	go rt.Run(runCtx)

	gateway := ws.New(ws.Config{}, rt, creds, tokens, logger)
	gateway.SetPresence(store)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/health", handler.NewHealthHandler().Health)
	engine.GET("/ws/agent", gateway.HandleAgent)
	engine.GET("/ws/client", gateway.HandleClient)
	api := engine.Group("/api")
	handler.NewPairingHandler(creds, accounts, logger).Register(api)
	handler.NewAgentsHandler(creds, tokens, logger).Register(api)

	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		srv.Close()
		stop()
		db.Close()
	})
	return srv, db
}

func postJSON(t *testing.T, srv *httptest.Server, path, bearer string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	return resp, result
}

func getJSON(t *testing.T, srv *httptest.Server, path, bearer string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	return resp, result
}

// pairDevice drives the full handshake and returns the device's credential
// set. The agent is created on first contact.
func pairDevice(t *testing.T, srv *httptest.Server, agentID, secret string) map[string]any {
	t.Helper()

	resp, body := postJSON(t, srv, "/api/pair/start", secret, map[string]any{
		"agent_id":     agentID,
		"display_name": "Integration Agent",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair start: expected 200, got %d: %v", resp.StatusCode, body)
	}
	code := body["code"].(string)

	resp, body = postJSON(t, srv, "/api/pair/complete", "", map[string]any{
		"code":         code,
		"device_label": "integration device",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair complete: expected 200, got %d: %v", resp.StatusCode, body)
	}
	return body
}

func TestPairingLifecycle(t *testing.T) {
	srv, _ := setupIntegration(t)

	// Missing secret is rejected before any row is written.
	resp, body := postJSON(t, srv, "/api/pair/start", "", map[string]any{
		"agent_id":     "agent-life",
		"display_name": "No Secret",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("pair start without secret: expected 400, got %d: %v", resp.StatusCode, body)
	}

	creds := pairDevice(t, srv, "agent-life", "life-secret")
	access := creds["access_token"].(string)
	refresh := creds["refresh_token"].(string)
	if creds["agent_id"] != "agent-life" {
		t.Errorf("agent_id = %v", creds["agent_id"])
	}

	// The directory lists the agent, offline, bound to this device.
	resp, body = getJSON(t, srv, "/api/agents", access)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("agents: expected 200, got %d: %v", resp.StatusCode, body)
	}
	agents := body["agents"].([]any)
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	first := agents[0].(map[string]any)
	if first["id"] != "agent-life" || first["online"] != false {
		t.Errorf("unexpected listing: %v", first)
	}
	if body["device_id"] != creds["device_id"] {
		t.Errorf("device_id = %v, want %v", body["device_id"], creds["device_id"])
	}

	// Rotation retires the presented token.
	resp, body = postJSON(t, srv, "/api/token/refresh", "", map[string]any{"refresh_token": refresh})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %v", resp.StatusCode, body)
	}
	rotated, _ := body["refresh_token"].(string)
	if rotated == refresh {
		t.Error("refresh token was not rotated")
	}

	resp, body = postJSON(t, srv, "/api/token/refresh", "", map[string]any{"refresh_token": refresh})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed refresh: expected 401, got %d: %v", resp.StatusCode, body)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Errorf("code = %v, want UNAUTHORIZED", body["code"])
	}

	// Revoking the live token ends the chain; revoking it again reports
	// the same success, so callers cannot probe which tokens exist.
	resp, body = postJSON(t, srv, "/api/token/revoke", "", map[string]any{"refresh_token": rotated})
	if resp.StatusCode != http.StatusOK || body["revoked"] != true {
		t.Fatalf("revoke: expected 200 revoked, got %d: %v", resp.StatusCode, body)
	}
	resp, body = postJSON(t, srv, "/api/token/revoke", "", map[string]any{"refresh_token": rotated})
	if resp.StatusCode != http.StatusOK || body["revoked"] != true {
		t.Fatalf("second revoke: expected 200 revoked, got %d: %v", resp.StatusCode, body)
	}
	resp, body = postJSON(t, srv, "/api/token/refresh", "", map[string]any{"refresh_token": rotated})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after revoke: expected 401, got %d: %v", resp.StatusCode, body)
	}

	// Re-registering with the wrong secret is refused.
	resp, body = postJSON(t, srv, "/api/pair/start", "not-the-secret", map[string]any{
		"agent_id":     "agent-life",
		"display_name": "Impostor",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d: %v", resp.StatusCode, body)
	}
	if body["code"] != "AGENT_SECRET_MISMATCH" {
		t.Errorf("code = %v, want AGENT_SECRET_MISMATCH", body["code"])
	}
}

func TestChatRoundTrip(t *testing.T) {
	srv, _ := setupIntegration(t)
	creds := pairDevice(t, srv, "agent-chat", "chat-secret")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sdk, err := client.New(srv.URL, client.WithAccessToken(creds["access_token"].(string)))
	if err != nil {
		t.Fatal(err)
	}

	agent, err := sdk.DialAgent(ctx, "agent-chat", "chat-secret")
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer agent.Close()

	// Echo loop for one request.
	agentErr := make(chan error, 1)
	go func() {
		req, err := agent.ReadRequest(ctx)
		if err != nil {
			agentErr <- err
			return
		}
		agentErr <- agent.SendResponse(req.RequestID, req.SessionID, "echo: "+req.Text)
	}()

	device, err := sdk.DialClient(ctx)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer device.Close()

	if err := device.Send("req-chat-1", "agent-chat", "sess-1", "hello out there"); err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := device.WaitResponse(ctx, "req-chat-1")
	if err != nil {
		t.Fatalf("wait response: %v", err)
	}
	if reply != "echo: hello out there" {
		t.Errorf("reply = %q", reply)
	}
	if err := <-agentErr; err != nil {
		t.Fatalf("agent side: %v", err)
	}

	// With the agent connected the directory now shows it online.
	_, body := getJSON(t, srv, "/api/agents", creds["access_token"].(string))
	agents := body["agents"].([]any)
	if len(agents) != 1 || agents[0].(map[string]any)["online"] != true {
		t.Errorf("expected agent online in directory, got %v", body["agents"])
	}
}

func TestOfflineQueueDelivery(t *testing.T) {
	srv, _ := setupIntegration(t)
	creds := pairDevice(t, srv, "agent-queue", "queue-secret")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sdk, err := client.New(srv.URL, client.WithAccessToken(creds["access_token"].(string)))
	if err != nil {
		t.Fatal(err)
	}

	device, err := sdk.DialClient(ctx)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer device.Close()

	// The agent is offline: the request is accepted and parked.
	if err := device.Send("req-queued-1", "agent-queue", "sess-q", "are you there"); err != nil {
		t.Fatalf("send: %v", err)
	}
	for {
		f, err := device.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("await ack: %v", err)
		}
		if f.Type == client.FrameMessageSent && f.RequestID == "req-queued-1" {
			break
		}
	}

	// Admission drains the queue into the fresh connection.
	agent, err := sdk.DialAgent(ctx, "agent-queue", "queue-secret")
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer agent.Close()

	req, err := agent.ReadRequest(ctx)
	if err != nil {
		t.Fatalf("read queued request: %v", err)
	}
	if req.RequestID != "req-queued-1" || req.Text != "are you there" {
		t.Fatalf("queued request = %+v", req)
	}

	if err := agent.SendResponse(req.RequestID, req.SessionID, "yes, just arrived"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	reply, err := device.WaitResponse(ctx, "req-queued-1")
	if err != nil {
		t.Fatalf("wait response: %v", err)
	}
	if reply != "yes, just arrived" {
		t.Errorf("reply = %q", reply)
	}
}

func TestPayloadOpacity(t *testing.T) {
	srv, db := setupIntegration(t)
	creds := pairDevice(t, srv, "agent-opaque", "opaque-secret")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sdk, err := client.New(srv.URL, client.WithAccessToken(creds["access_token"].(string)))
	if err != nil {
		t.Fatal(err)
	}

	// Strings that could only land in the database by a message body being
	// persisted.
	const (
		question = "opacity-probe-question-c41f9a"
		reply    = "opacity-probe-reply-7be203"
	)

	agent, err := sdk.DialAgent(ctx, "agent-opaque", "opaque-secret")
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer agent.Close()

	agentErr := make(chan error, 1)
	go func() {
		req, err := agent.ReadRequest(ctx)
		if err != nil {
			agentErr <- err
			return
		}
		agentErr <- agent.SendResponse(req.RequestID, req.SessionID, reply)
	}()

	device, err := sdk.DialClient(ctx)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer device.Close()

	if err := device.Send("req-opaque-1", "agent-opaque", "sess-o", question); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := device.WaitResponse(ctx, "req-opaque-1"); err != nil {
		t.Fatalf("wait response: %v", err)
	}
	if err := <-agentErr; err != nil {
		t.Fatalf("agent side: %v", err)
	}

	// Every text column of every relay table must be free of both strings:
	// the broker forwards message bodies without writing them anywhere.
	cols, err := db.Query(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND data_type IN ('text', 'character varying')`)
	if err != nil {
		t.Fatal(err)
	}
	type column struct{ table, name string }
	var all []column
	for cols.Next() {
		var c column
		if err := cols.Scan(&c.table, &c.name); err != nil {
			t.Fatal(err)
		}
		all = append(all, c)
	}
	cols.Close()
	if err := cols.Err(); err != nil {
		t.Fatal(err)
	}
	if len(all) == 0 {
		t.Fatal("no text columns found; wrong database?")
	}

	for _, c := range all {
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE %q LIKE $1`, c.table, c.name)
		for _, probe := range []string{question, reply} {
			var n int
			if err := db.QueryRow(ctx, q, "%"+probe+"%").Scan(&n); err != nil {
				t.Fatalf("scan %s.%s: %v", c.table, c.name, err)
			}
			if n != 0 {
				t.Errorf("payload leaked into %s.%s: %d rows contain %q", c.table, c.name, n, probe)
			}
		}
	}
}

func TestAuditChain(t *testing.T) {
	srv, db := setupIntegration(t)
	pairDevice(t, srv, "agent-audit", "audit-secret")

	ctx := context.Background()
	log := audit.NewPostgresLog(db, zap.NewNop())

	if err := log.Verify(ctx); err != nil {
		t.Fatalf("audit chain verify: %v", err)
	}

	// Genesis plus at least pair_start and pair_complete.
	n, err := log.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n < 3 {
		t.Errorf("expected at least 3 audit entries, got %d", n)
	}

	root, err := log.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root == audit.GenesisHash {
		t.Error("root still at genesis after pairing activity")
	}
}
