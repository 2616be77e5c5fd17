// Package transport implements the Transport abstraction (C8): it bridges
// the gossip Engine's outbound broadcasts to the wire and delivers inbound
// envelopes back into the Engine only after signature verification and
// duplicate suppression.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/lao-sha/cosmos-sub002/internal/gossip"
	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/signing"
)

// GossipHandler is the inbound side of the Engine, satisfied by
// *gossip.Engine.
type GossipHandler interface {
	OnGossipMessage(env *gossip.Envelope)
}

// KeyResolver looks up a node's Ed25519 public key for inbound signature
// verification, satisfied by *chaincache.Cache.
type KeyResolver interface {
	GetPublicKey(id ids.NodeID) ([32]byte, bool)
}

const dupWindow = 5 * time.Minute

type dedupKey [32]byte

// WebSocketTransport is a gossip mesh over long-lived WebSocket connections:
// a listening side accepting peer connections, and a dialing side that
// maintains outbound connections to every known peer address, reconnecting
// on a fixed interval after a drop.
type WebSocketTransport struct {
	self    ids.NodeID
	address string
	peers   map[ids.NodeID]string // static address book

	engine GossipHandler
	keys   KeyResolver
	logger *zap.Logger

	connMu      sync.RWMutex
	connections map[ids.NodeID]*websocket.Conn

	dedupMu sync.Mutex
	dedup   map[dedupKey]time.Time

	upgrader websocket.Upgrader
	server   *http.Server
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWebSocketTransport constructs a transport for self, listening on
// address, with a static address book of peers.
func NewWebSocketTransport(self ids.NodeID, address string, peers map[ids.NodeID]string, engine GossipHandler, keys KeyResolver, logger *zap.Logger) *WebSocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{
		self:        self,
		address:     address,
		peers:       peers,
		engine:      engine,
		keys:        keys,
		logger:      logger,
		connections: make(map[ids.NodeID]*websocket.Conn),
		dedup:       make(map[dedupKey]time.Time),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		stopChan: make(chan struct{}),
	}
}

// Start begins listening for peer connections and dialing out to the
// address book.
func (w *WebSocketTransport) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/gossip", w.handleInbound)
	w.server = &http.Server{Addr: w.address, Handler: mux}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("gossip transport server error", zap.Error(err))
		}
	}()

	w.wg.Add(1)
	go w.dialLoop()

	w.wg.Add(1)
	go w.dedupSweepLoop()

	return nil
}

// Stop shuts down the listener, closes every connection, and waits for
// background goroutines to exit.
func (w *WebSocketTransport) Stop() error {
	close(w.stopChan)

	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(ctx)
	}

	w.connMu.Lock()
	for _, conn := range w.connections {
		conn.Close()
	}
	w.connMu.Unlock()

	w.wg.Wait()
	return nil
}

// Broadcast fans out env to every connected peer. Fire-and-forget: a failed
// write to one peer does not block or fail delivery to the others.
func (w *WebSocketTransport) Broadcast(env *gossip.Envelope) {
	data, err := env.MarshalBinary()
	if err != nil {
		w.logger.Error("failed to encode outbound envelope", zap.Error(err))
		return
	}

	w.connMu.RLock()
	conns := make(map[ids.NodeID]*websocket.Conn, len(w.connections))
	for id, c := range w.connections {
		conns[id] = c
	}
	w.connMu.RUnlock()

	for id, conn := range conns {
		go func(id ids.NodeID, conn *websocket.Conn) {
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				w.logger.Warn("gossip broadcast write failed", zap.String("peer", id.Short()), zap.Error(err))
			}
		}(id, conn)
	}
}

func (w *WebSocketTransport) handleInbound(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("gossip upgrade failed", zap.Error(err))
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil || len(data) != 32 {
		w.logger.Warn("gossip identification read failed", zap.Error(err))
		conn.Close()
		return
	}
	var peerID ids.NodeID
	copy(peerID[:], data)

	w.connMu.Lock()
	w.connections[peerID] = conn
	w.connMu.Unlock()

	conn.WriteMessage(websocket.BinaryMessage, w.self[:])

	w.wg.Add(1)
	go w.readLoop(peerID, conn)
}

func (w *WebSocketTransport) dialLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	w.dialMissingPeers()
	for {
		select {
		case <-ticker.C:
			w.dialMissingPeers()
		case <-w.stopChan:
			return
		}
	}
}

func (w *WebSocketTransport) dialMissingPeers() {
	for id, addr := range w.peers {
		if id == w.self {
			continue
		}
		w.connMu.RLock()
		_, connected := w.connections[id]
		w.connMu.RUnlock()
		if !connected {
			go w.dial(id, addr)
		}
	}
}

func (w *WebSocketTransport) dial(peerID ids.NodeID, address string) {
	url := fmt.Sprintf("ws://%s/gossip", address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, w.self[:]); err != nil {
		conn.Close()
		return
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		return
	}

	w.connMu.Lock()
	w.connections[peerID] = conn
	w.connMu.Unlock()

	w.wg.Add(1)
	go w.readLoop(peerID, conn)
}

func (w *WebSocketTransport) readLoop(peerID ids.NodeID, conn *websocket.Conn) {
	defer w.wg.Done()
	defer func() {
		w.connMu.Lock()
		delete(w.connections, peerID)
		w.connMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		w.handleEnvelope(data)
	}
}

func (w *WebSocketTransport) handleEnvelope(data []byte) {
	var env gossip.Envelope
	if err := env.UnmarshalBinary(data); err != nil {
		w.logger.Warn("dropped malformed gossip envelope", zap.Error(err))
		return
	}

	pub, ok := w.keys.GetPublicKey(env.SenderNodeID)
	if !ok {
		w.logger.Warn("dropped envelope from unknown sender", zap.String("sender", env.SenderNodeID.Short()))
		return
	}
	if !signing.Verify(pub[:], env.SignedPrefix(), env.SenderSignature) {
		w.logger.Warn("dropped envelope with invalid sender signature", zap.String("sender", env.SenderNodeID.Short()))
		return
	}

	key := dedupKeyFor(env.SenderNodeID, env.TimestampMs, env.MsgType, data)
	if w.isDuplicate(key) {
		return
	}

	w.engine.OnGossipMessage(&env)
}

// dedupKeyFor keys on (sender_node_id, timestamp_ms, msg_type,
// blake2b-128(payload)) per spec.md §4.8.
func dedupKeyFor(sender ids.NodeID, timestampMs uint64, msgType gossip.GossipType, payload []byte) dedupKey {
	payloadDigest, _ := blake2b.New(16, nil)
	payloadDigest.Write(payload)

	h, _ := blake2b.New256(nil)
	h.Write(sender[:])
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], timestampMs)
	h.Write(ts[:])
	h.Write([]byte{byte(msgType)})
	h.Write(payloadDigest.Sum(nil))
	var out dedupKey
	copy(out[:], h.Sum(nil))
	return out
}

func (w *WebSocketTransport) isDuplicate(key dedupKey) bool {
	w.dedupMu.Lock()
	defer w.dedupMu.Unlock()
	if _, seen := w.dedup[key]; seen {
		return true
	}
	w.dedup[key] = time.Now()
	return false
}

func (w *WebSocketTransport) dedupSweepLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(dupWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-dupWindow)
			w.dedupMu.Lock()
			for k, seenAt := range w.dedup {
				if seenAt.Before(cutoff) {
					delete(w.dedup, k)
				}
			}
			w.dedupMu.Unlock()
		case <-w.stopChan:
			return
		}
	}
}
