// Package router owns the live half of the relay: the registries of
// connected agents and devices, presence fan-out, and the movement of chat
// frames between the two populations. Everything here is in-memory and
// rebuilt empty on restart; peers are expected to reconnect and re-announce.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/relay/internal/relay/model"
)

// WebSocket close codes in the private 4000-4999 range, numbered after the
// HTTP status they correspond to.
const (
	// CloseConflict evicts an agent connection displaced by a newer one
	// for the same agent id.
	CloseConflict = 4009
	// CloseIdle shuts a connection whose activity clock went stale.
	CloseIdle = 4008
	// CloseStalled shuts a connection whose write queue stayed full.
	CloseStalled = 4503
)

// goingAway is the standard close code used during process shutdown.
const goingAway = 1001

// Config holds the router tunables. Zero values take the documented
// defaults. A negative QueueMax disables offline queueing entirely, making
// requests toward an absent agent fail with AGENT_OFFLINE.
type Config struct {
	QueueMax      int           // default 10 entries per agent
	QueueTTL      time.Duration // default 60s
	QueueAttempts int           // default 3 deliveries per entry
	SweepEvery    time.Duration // default 30s
	PingEvery     time.Duration // default 30s
	IdleTimeout   time.Duration // default 5m
	MsgMaxBytes   int           // default 32768
}

func (c Config) withDefaults() Config {
	if c.QueueMax == 0 {
		c.QueueMax = 10
	}
	if c.QueueTTL == 0 {
		c.QueueTTL = 60 * time.Second
	}
	if c.QueueAttempts == 0 {
		c.QueueAttempts = 3
	}
	if c.SweepEvery == 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.PingEvery == 0 {
		c.PingEvery = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MsgMaxBytes == 0 {
		c.MsgMaxBytes = 32 * 1024
	}
	return c
}

// MetricsRecorder observes router events. Implementations must be safe for
// concurrent use; a nil recorder disables observation.
type MetricsRecorder interface {
	ConnectionOpened(role string)
	ConnectionClosed(role string)
	FrameForwarded(frameType string)
	RequestQueued()
	QueueDropped(reason string)
	AgentTakeover()
}

type clientKey struct {
	agentID  string
	deviceID string
}

// Router maintains the live connection registries and routes frames
// between them. A single mutex guards all three maps; every operation
// under it is non-blocking, so contention stays negligible.
type Router struct {
	cfg     Config
	logger  *zap.Logger
	metrics MetricsRecorder // nil = no metrics

	mu      sync.Mutex
	agents  map[string]*AgentHandle
	clients map[clientKey]*ClientHandle
	queues  map[string]*offlineQueue
}

// New creates a Router.
func New(cfg Config, logger *zap.Logger) *Router {
	return &Router{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		agents:  make(map[string]*AgentHandle),
		clients: make(map[clientKey]*ClientHandle),
		queues:  make(map[string]*offlineQueue),
	}
}

// SetMetrics installs an observer for router events.
func (r *Router) SetMetrics(m MetricsRecorder) { r.metrics = m }

// AdmitAgent registers a verified agent connection. Any prior handle for
// the same agent id is evicted with CloseConflict in the same critical
// section, so at most one live handle ever exists per agent. Clients bound
// to the agent see presence(online) only when the agent was previously
// absent; a takeover does not flap presence. The agent's offline queue is
// drained into the new handle in insertion order.
//
// The second return reports whether an older connection was displaced.
func (r *Router) AdmitAgent(agentID string) (*AgentHandle, bool) {
	h := newAgentHandle(agentID)
	now := time.Now().UTC()

	r.mu.Lock()
	prior := r.agents[agentID]
	r.agents[agentID] = h
	if prior != nil {
		prior.Close(CloseConflict)
	}
	if prior == nil {
		r.broadcastPresenceLocked(agentID, true)
	}
	var delivered, dropped int
	if q := r.queues[agentID]; q != nil {
		delivered, dropped = q.drain(now, r.cfg.QueueAttempts, func(f model.Frame) bool {
			return h.Send(f)
		})
		if q.len() == 0 {
			delete(r.queues, agentID)
		}
	}
	r.mu.Unlock()

	takeover := prior != nil
	if takeover {
		r.observeTakeover()
		r.logger.Info("agent connection displaced", zap.String("agent_id", agentID))
	}
	if dropped > 0 {
		r.observeQueueDrop("undeliverable", dropped)
	}
	r.observeConn("agent", true)
	r.logger.Info("agent online",
		zap.String("agent_id", agentID),
		zap.Bool("takeover", takeover),
		zap.Int("queued_delivered", delivered),
	)
	return h, takeover
}

// RemoveAgent unregisters an agent handle. The removal is identity-guarded:
// a handle that was already displaced by a takeover leaves the registry and
// presence untouched. Callers invoke this exactly once per admitted handle,
// so the connection gauge moves here even when the guard short-circuits.
func (r *Router) RemoveAgent(h *AgentHandle) {
	defer r.observeConn("agent", false)

	r.mu.Lock()
	current, live := r.agents[h.agentID]
	if !live || current != h {
		r.mu.Unlock()
		h.Close(goingAway)
		return
	}
	delete(r.agents, h.agentID)
	r.broadcastPresenceLocked(h.agentID, false)
	r.mu.Unlock()

	h.Close(goingAway)
	r.logger.Info("agent offline", zap.String("agent_id", h.agentID))
}

// AdmitClient registers a verified client connection under its token's
// device id and bound agent. A duplicate connection for the same device
// displaces the older one. The new handle immediately receives a presence
// snapshot for its agent.
func (r *Router) AdmitClient(agentID, deviceID string) *ClientHandle {
	h := newClientHandle(agentID, deviceID)
	key := clientKey{agentID: agentID, deviceID: deviceID}

	r.mu.Lock()
	if prior := r.clients[key]; prior != nil {
		prior.Close(CloseConflict)
	}
	r.clients[key] = h
	_, online := r.agents[agentID]
	r.mu.Unlock()

	h.Send(model.PresenceFrame(agentID, online))
	r.observeConn("client", true)
	r.logger.Debug("client connected",
		zap.String("agent_id", agentID),
		zap.String("device_id", deviceID),
	)
	return h
}

// RemoveClient unregisters a client handle, identity-guarded like
// RemoveAgent.
func (r *Router) RemoveClient(h *ClientHandle) {
	defer r.observeConn("client", false)

	key := clientKey{agentID: h.agentID, deviceID: h.deviceID}

	r.mu.Lock()
	current, live := r.clients[key]
	if !live || current != h {
		r.mu.Unlock()
		h.Close(goingAway)
		return
	}
	delete(r.clients, key)
	r.mu.Unlock()

	h.Close(goingAway)
	r.logger.Debug("client disconnected",
		zap.String("agent_id", h.agentID),
		zap.String("device_id", h.deviceID),
	)
}

// RouteRequest moves one chat.request from a client toward its agent. The
// sender always hears back on the same connection: message_sent when the
// frame was forwarded or queued, an error frame otherwise. The server
// timestamp is stamped before any delivery so queued and live frames look
// the same to the agent.
func (r *Router) RouteRequest(from *ClientHandle, f model.Frame) {
	if f.AgentID != from.agentID {
		from.Send(model.ErrorFrame(model.CodeUnauthorized, "request targets an agent this device is not bound to", f.RequestID))
		return
	}
	if len(f.Text) > r.cfg.MsgMaxBytes {
		from.Send(model.ErrorFrame(model.CodeMessageTooLarge, "text exceeds the frame size cap", f.RequestID))
		return
	}
	f.Ts = model.NowTs()

	r.mu.Lock()
	if agent := r.agents[f.AgentID]; agent != nil {
		if agent.Send(f) {
			r.mu.Unlock()
			from.Send(model.MessageSentFrame(f.RequestID))
			r.observeFrame(model.FrameChatRequest)
			return
		}
		// The write queue stayed full: the connection stopped draining.
		// Evict it and let the request take the offline path so it can
		// still be delivered on reconnect.
		agent.Close(CloseStalled)
		delete(r.agents, f.AgentID)
		r.broadcastPresenceLocked(f.AgentID, false)
		r.logger.Warn("agent connection stalled, evicting", zap.String("agent_id", f.AgentID))
	}

	if r.cfg.QueueMax < 0 {
		r.mu.Unlock()
		from.Send(model.ErrorFrame(model.CodeAgentOffline, "agent is offline", f.RequestID))
		return
	}
	q := r.queues[f.AgentID]
	if q == nil {
		q = newOfflineQueue(r.cfg.QueueMax, r.cfg.QueueTTL)
		r.queues[f.AgentID] = q
	}
	displaced := q.push(f, time.Now().UTC())
	depth := q.len()
	r.mu.Unlock()

	from.Send(model.MessageSentFrame(f.RequestID))
	r.observeQueued()
	if displaced > 0 {
		r.observeQueueDrop("displaced", displaced)
	}
	r.logger.Debug("request queued for offline agent",
		zap.String("agent_id", f.AgentID),
		zap.Int("depth", depth),
	)
}

// RouteResponse fans one chat.response out to every live client bound to
// the sending agent. Fan-out to all of the agent's devices is deliberate:
// several devices may be watching the same agent session. Responses are
// never queued; a device that is away simply misses them.
func (r *Router) RouteResponse(from *AgentHandle, f model.Frame) {
	if f.AgentID == "" {
		f.AgentID = from.agentID
	}
	if f.AgentID != from.agentID {
		from.Send(model.ErrorFrame(model.CodeUnauthorized, "response claims an agent id this connection does not hold", f.RequestID))
		return
	}
	if len(f.ResponseBody()) > r.cfg.MsgMaxBytes {
		from.Send(model.ErrorFrame(model.CodeMessageTooLarge, "reply exceeds the frame size cap", f.RequestID))
		return
	}
	f.Canonicalize()
	f.Ts = model.NowTs()

	r.mu.Lock()
	var targets []*ClientHandle
	for key, c := range r.clients {
		if key.agentID == f.AgentID {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.Send(f)
	}
	r.observeFrame(model.FrameChatResponse)
}

// SendPresence enqueues the bound agent's current presence onto one client.
func (r *Router) SendPresence(c *ClientHandle) {
	r.mu.Lock()
	_, online := r.agents[c.agentID]
	r.mu.Unlock()
	c.Send(model.PresenceFrame(c.agentID, online))
}

// AgentOnline reports whether an agent has a live handle right now.
func (r *Router) AgentOnline(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[agentID]
	return ok
}

// Counts reports the live registry sizes.
func (r *Router) Counts() (agents, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents), len(r.clients)
}

// Run drives the router's clocks: application pings, idle eviction, and
// the offline-queue TTL sweep. It blocks until ctx is cancelled, then
// closes every live handle with a going-away code.
func (r *Router) Run(ctx context.Context) {
	ping := time.NewTicker(r.cfg.PingEvery)
	defer ping.Stop()
	sweep := time.NewTicker(r.cfg.SweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return
		case now := <-ping.C:
			r.pingAndReap(now.UTC())
		case now := <-sweep.C:
			r.sweepQueues(now.UTC())
		}
	}
}

// pingAndReap sends an application ping to every live handle and closes
// the ones whose activity clock passed the idle timeout. Closing only
// latches the handle; the registry entry is removed when the connection's
// pumps exit and call Remove*.
func (r *Router) pingAndReap(now time.Time) {
	type peer interface {
		Send(model.Frame) bool
		idleFor(time.Time) time.Duration
		Close(int)
	}

	r.mu.Lock()
	peers := make([]peer, 0, len(r.agents)+len(r.clients))
	for _, h := range r.agents {
		peers = append(peers, h)
	}
	for _, h := range r.clients {
		peers = append(peers, h)
	}
	r.mu.Unlock()

	ping := model.Frame{Type: model.FramePing, Ts: model.NowTs()}
	for _, p := range peers {
		if p.idleFor(now) > r.cfg.IdleTimeout {
			p.Close(CloseIdle)
			continue
		}
		p.Send(ping)
	}
}

// sweepQueues drops expired offline entries and forgets empty queues.
func (r *Router) sweepQueues(now time.Time) {
	expired := 0
	r.mu.Lock()
	for agentID, q := range r.queues {
		expired += q.prune(now)
		if q.len() == 0 {
			delete(r.queues, agentID)
		}
	}
	r.mu.Unlock()

	if expired > 0 {
		r.observeQueueDrop("expired", expired)
		r.logger.Debug("expired queued requests dropped", zap.Int("count", expired))
	}
}

func (r *Router) closeAll() {
	r.mu.Lock()
	agents := make([]*AgentHandle, 0, len(r.agents))
	for _, h := range r.agents {
		agents = append(agents, h)
	}
	clients := make([]*ClientHandle, 0, len(r.clients))
	for _, h := range r.clients {
		clients = append(clients, h)
	}
	r.mu.Unlock()

	for _, h := range agents {
		h.Close(goingAway)
	}
	for _, h := range clients {
		h.Close(goingAway)
	}
}

// broadcastPresenceLocked enqueues a presence frame onto every client bound
// to agentID. Callers hold r.mu.
func (r *Router) broadcastPresenceLocked(agentID string, online bool) {
	f := model.PresenceFrame(agentID, online)
	for key, c := range r.clients {
		if key.agentID == agentID {
			c.Send(f)
		}
	}
}

func (r *Router) observeConn(role string, opened bool) {
	if r.metrics == nil {
		return
	}
	if opened {
		r.metrics.ConnectionOpened(role)
	} else {
		r.metrics.ConnectionClosed(role)
	}
}

func (r *Router) observeFrame(frameType string) {
	if r.metrics != nil {
		r.metrics.FrameForwarded(frameType)
	}
}

func (r *Router) observeQueued() {
	if r.metrics != nil {
		r.metrics.RequestQueued()
	}
}

func (r *Router) observeQueueDrop(reason string, n int) {
	if r.metrics == nil {
		return
	}
	for i := 0; i < n; i++ {
		r.metrics.QueueDropped(reason)
	}
}

func (r *Router) observeTakeover() {
	if r.metrics != nil {
		r.metrics.AgentTakeover()
	}
}
