package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentwire/relay/internal/relay/model"
)

// sendBuffer is the per-connection write queue depth. A peer that falls
// this far behind is treated as undeliverable rather than allowed to block
// the router.
const sendBuffer = 64

// handle is the router's grip on one live connection: a bounded outbound
// frame queue, a close latch carrying the WebSocket close code, and an
// activity clock. The socket itself stays with the connection endpoint;
// the router only ever talks to the queue.
type handle struct {
	send chan model.Frame
	done chan struct{}

	closeOnce sync.Once
	closeCode atomic.Int32
	lastSeen  atomic.Int64 // unix nanos
}

func newHandle() handle {
	h := handle{
		send: make(chan model.Frame, sendBuffer),
		done: make(chan struct{}),
	}
	h.Touch()
	return h
}

// Send places f on the write queue without blocking. It reports false
// when the handle is closed or the queue is full; the caller decides
// whether that matters.
func (h *handle) Send(f model.Frame) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.send <- f:
		return true
	case <-h.done:
		return false
	default:
		return false
	}
}

// Close latches the handle shut. The first caller's code wins; it is
// readable through CloseCode once Done is signalled.
func (h *handle) Close(code int) {
	h.closeOnce.Do(func() {
		h.closeCode.Store(int32(code))
		close(h.done)
	})
}

// Frames is the outbound queue the connection's writer drains.
func (h *handle) Frames() <-chan model.Frame { return h.send }

// Done is signalled when the handle has been closed or evicted.
func (h *handle) Done() <-chan struct{} { return h.done }

// CloseCode returns the WebSocket close code set when the handle was shut.
// Meaningful only after Done is signalled.
func (h *handle) CloseCode() int { return int(h.closeCode.Load()) }

// Touch resets the activity clock. The reader loop calls this on every
// inbound frame.
func (h *handle) Touch() {
	h.lastSeen.Store(time.Now().UnixNano())
}

func (h *handle) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.lastSeen.Load()))
}

// AgentHandle is the live connection of one agent. At most one exists per
// agent id; a newer connection evicts the older one.
type AgentHandle struct {
	handle
	agentID string
}

func newAgentHandle(agentID string) *AgentHandle {
	return &AgentHandle{handle: newHandle(), agentID: agentID}
}

// AgentID returns the agent identity the handle is registered under.
func (h *AgentHandle) AgentID() string { return h.agentID }

// ClientHandle is the live connection of one paired device, bound to a
// single agent for its whole lifetime.
type ClientHandle struct {
	handle
	agentID  string
	deviceID string
}

func newClientHandle(agentID, deviceID string) *ClientHandle {
	return &ClientHandle{handle: newHandle(), agentID: agentID, deviceID: deviceID}
}

// AgentID returns the agent the client is bound to.
func (h *ClientHandle) AgentID() string { return h.agentID }

// DeviceID returns the device identity from the client's access token.
func (h *ClientHandle) DeviceID() string { return h.deviceID }
