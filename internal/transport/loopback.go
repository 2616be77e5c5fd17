package transport

import (
	"sync"

	"github.com/lao-sha/cosmos-sub002/internal/gossip"
	"github.com/lao-sha/cosmos-sub002/internal/ids"
)

// Loopback is an in-process Transport for integration tests and the
// scenario harness: it delivers a broadcast envelope directly to every
// registered peer's handler, skipping the network entirely, so the
// consensus scenarios in spec.md §8 can be driven deterministically without
// real sockets.
type Loopback struct {
	mu    sync.RWMutex
	peers map[ids.NodeID]GossipHandler
}

// NewLoopback constructs an empty Loopback mesh.
func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[ids.NodeID]GossipHandler)}
}

// Register adds (or replaces) the handler a given node ID delivers to.
func (l *Loopback) Register(id ids.NodeID, handler GossipHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[id] = handler
}

// Unregister removes a node from the mesh.
func (l *Loopback) Unregister(id ids.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, id)
}

// Broadcast delivers env to every registered peer except the sender.
// Delivery is synchronous and in the caller's goroutine, matching the
// Engine's assumption that Transport.Broadcast is fire-and-forget but not
// necessarily asynchronous.
func (l *Loopback) Broadcast(env *gossip.Envelope) {
	l.mu.RLock()
	targets := make([]GossipHandler, 0, len(l.peers))
	for id, h := range l.peers {
		if id == env.SenderNodeID {
			continue
		}
		targets = append(targets, h)
	}
	l.mu.RUnlock()

	for _, h := range targets {
		h.OnGossipMessage(env)
	}
}
