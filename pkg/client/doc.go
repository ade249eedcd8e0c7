// Package client is the AgentWire relay Go SDK.
//
// It covers the full life of a relay participant: issuing pairing codes from
// the agent side, redeeming them from the device side, keeping access tokens
// fresh, and holding WebSocket conversations in either role.
//
// # Pairing an agent
//
// The agent asks the relay for a short-lived pairing code and shows it to
// the user:
//
//	c, _ := client.New("https://relay.agentwire.dev")
//	res, err := c.PairStart(ctx, client.PairStartRequest{
//	    AgentID:     "agent_7x2v9q",
//	    DisplayName: "Build Bot",
//	    Secret:      os.Getenv("AGENT_SECRET"),
//	})
//	fmt.Printf("Pair with code %s (expires %s)\n", res.Code, res.ExpiresAt)
//
// The device redeems the code once and stores the returned credentials:
//
//	creds, err := c.PairComplete(ctx, "AB12CD34", "Chrome on laptop")
//	// persist creds.RefreshToken securely; creds.AccessToken expires in
//	// creds.ExpiresIn seconds
//
// # Serving chat as an agent
//
// DialAgent authenticates with the agent secret, completes the hello
// handshake, and starts receiving chat requests. Requests queued while the
// agent was offline arrive first:
//
//	conn, err := c.DialAgent(ctx, "agent_7x2v9q", os.Getenv("AGENT_SECRET"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	for {
//	    req, err := conn.ReadRequest(ctx)
//	    if err != nil {
//	        if client.ErrorCode(err) == client.CodeRateLimited {
//	            continue // advisory; the session survives
//	        }
//	        log.Fatal(err)
//	    }
//	    answer := handle(req.Text)
//	    conn.SendResponse(req.RequestID, req.SessionID, answer)
//	}
//
// Connecting the same agent id from a second process evicts this session;
// the relay closes it with a conflict code.
//
// # Talking to an agent from a device
//
//	c, _ := client.New("https://relay.agentwire.dev",
//	    client.WithAccessToken(creds.AccessToken),
//	)
//	conn, err := c.DialClient(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	conn.Send("req-1", creds.AgentID, "session-1", "What changed today?")
//	reply, err := conn.WaitResponse(ctx, "req-1")
//
// The first frame after hello is a presence snapshot for the device's agent;
// ReadFrame surfaces it when you want to render online state.
//
// # Refreshing tokens
//
// Access tokens are short-lived. Rotate before expiry and swap the new token
// into the client:
//
//	rotated, err := c.Refresh(ctx, creds.RefreshToken)
//	c.SetAccessToken(rotated.AccessToken)
//	// persist rotated.RefreshToken — the previous one is now dead
//
// When a device is retired, revoke its refresh token so the chain ends once
// the current access token expires:
//
//	err = c.Revoke(ctx, rotated.RefreshToken)
//
// # Error handling
//
// Relay failures are *APIError values carrying the stable wire code, whether
// they arrived as HTTP error bodies or WebSocket error frames:
//
//	if client.ErrorCode(err) == client.CodeTokenExpired {
//	    // refresh and retry
//	}
package client
