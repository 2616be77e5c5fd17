package gossip

import (
	"context"
	"crypto/ed25519"
	"time"

	"go.uber.org/zap"

	"github.com/lao-sha/cosmos-sub002/internal/committee"
	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/leader"
	"github.com/lao-sha/cosmos-sub002/internal/signing"
)

// CacheReader is the subset of the Chain Cache (C6) the Engine needs: the
// current active node set for committee selection and the config version to
// stamp onto outgoing MessageSeen reports.
type CacheReader interface {
	GetActiveNodeIDs() []ids.NodeID
	GetConfigVersion(botIDHash [32]byte) uint64
}

// ConfigReplicator is the subset of the Config Store replicator (C5) the
// Engine dispatches ConfigSync/ConfigPull/ConfigPullResponse gossip traffic
// to. Defined here, not imported from internal/configstore, so this package
// has no dependency on configstore; configstore.Replicator satisfies this
// structurally.
type ConfigReplicator interface {
	HandleConfigSync(botIDHash [32]byte, cfg SignedGroupConfig) error
	HandleConfigPull(botIDHash [32]byte, currentVersion uint64) (*SignedGroupConfig, bool)
	HandleConfigPullResponse(botIDHash [32]byte, cfg *SignedGroupConfig) error
	Version(botIDHash [32]byte) uint64
}

// EquivocationReporter is the subset of the Chain Submitter (C7) the Engine
// forwards confirmed equivocation evidence to.
type EquivocationReporter interface {
	ReportEquivocation(ownerPublicKey, botIDHash [32]byte, sequence uint64, hashA ids.Hash32, sigA [64]byte, hashB ids.Hash32, sigB [64]byte)
}

// ConfirmationReporter is the subset of the Chain Submitter (C7) the Engine
// queues a confirmation row onto once a msg_id reaches ConsensusReached.
type ConfirmationReporter interface {
	AddConfirmation(msgID ids.MessageID, owner [32]byte, sequence uint64, msgHash [32]byte, confirmedBy []ids.NodeID)
}

// Transport is the outbound seam the Engine pushes signed envelopes onto;
// internal/transport's mesh implementation (and its Loopback test double)
// satisfy this.
type Transport interface {
	Broadcast(env *Envelope)
}

// noopTransport drops everything; used only until cmd/node wires a real
// Transport.
type noopTransport struct{}

func (noopTransport) Broadcast(*Envelope) {}

// Engine is the Gossip Engine (C3): the single point that turns an incoming
// AgentMessage or GossipEnvelope into state transitions, committee/leader
// computation, and outbound gossip traffic. It implements leader.Broadcaster
// so leader.Executor can announce results through it without importing this
// package.
type Engine struct {
	Self       ids.NodeID
	NodeKey    ed25519.PrivateKey
	State      *State
	Cache      CacheReader
	Config     ConfigReplicator
	Submitter  EquivocationReporter
	Confirmer  ConfirmationReporter
	Transport  Transport
	Executor   *leader.Executor
	Logger     *zap.Logger
	Now        func() uint64 // ms-since-epoch clock, overridable for tests
}

// NewEngine wires an Engine. Cache/Config/Submitter/Transport default to
// no-ops so a partially-configured Engine (e.g. in unit tests exercising
// just the state machine) never panics; cmd/node supplies real
// collaborators for all of them.
func NewEngine(self ids.NodeID, nodeKey ed25519.PrivateKey, state *State, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Self:      self,
		NodeKey:   nodeKey,
		State:     state,
		Cache:     noopCache{},
		Config:    noopConfig{},
		Submitter: noopSubmitter{},
		Confirmer: noopConfirmer{},
		Transport: noopTransport{},
		Logger:    logger,
	}
}

type noopCache struct{}

func (noopCache) GetActiveNodeIDs() []ids.NodeID           { return nil }
func (noopCache) GetConfigVersion(botIDHash [32]byte) uint64 { return 0 }

type noopConfig struct{}

func (noopConfig) HandleConfigSync(botIDHash [32]byte, cfg SignedGroupConfig) error { return nil }
func (noopConfig) HandleConfigPull(botIDHash [32]byte, currentVersion uint64) (*SignedGroupConfig, bool) {
	return nil, false
}
func (noopConfig) HandleConfigPullResponse(botIDHash [32]byte, cfg *SignedGroupConfig) error {
	return nil
}
func (noopConfig) Version(botIDHash [32]byte) uint64 { return 0 }

type noopSubmitter struct{}

func (noopSubmitter) ReportEquivocation(ownerPublicKey, botIDHash [32]byte, sequence uint64, hashA ids.Hash32, sigA [64]byte, hashB ids.Hash32, sigB [64]byte) {
}

type noopConfirmer struct{}

func (noopConfirmer) AddConfirmation(msgID ids.MessageID, owner [32]byte, sequence uint64, msgHash [32]byte, confirmedBy []ids.NodeID) {
}

// --- inbound entry points ---

// OnAgentMessage is the entry point for a freshly-received, owner-signed
// AgentMessage (from the platform adapter, not yet known to Gossip State):
// it computes the committee and leader/backups, records the assignment,
// broadcasts MessageSeen, self-attests, and attempts consensus.
func (e *Engine) OnAgentMessage(msg *SignedMessage) {
	id := msg.MsgID()
	targets, leaderID, hasLeader, backups := e.assignCommittee(msg.MessageHash, msg.Sequence)

	e.State.OnAgentMessage(id, msg, targets, leaderID, hasLeader, backups)

	e.broadcast(TypeMessageSeen, &MessageSeenPayload{
		MsgID:         id,
		MsgHash:       msg.MessageHash,
		NodeID:        e.Self,
		ConfigVersion: e.Cache.GetConfigVersion(msg.BotIDHash),
	})

	e.State.OnSeen(id, e.Self, msg.MessageHash)
	e.tryConsensus(id)
}

func (e *Engine) assignCommittee(messageHash [32]byte, sequence uint64) (targets []ids.NodeID, leaderID ids.NodeID, hasLeader bool, backups []ids.NodeID) {
	active := e.Cache.GetActiveNodeIDs()
	k := committee.SelectK(len(active))
	targets = committee.DeterministicSelectIDs(active, ids.Hash32(messageHash), sequence, k)
	leaderID, hasLeader, backups = leader.ElectLeader(targets, sequence)
	return
}

// OnGossipMessage dispatches a verified inbound envelope to the handler for
// its msg_type. The Transport layer has already authenticated the sender
// (verified sender_signature against C6's public key for sender_node_id)
// before this is called.
func (e *Engine) OnGossipMessage(env *Envelope) {
	switch p := env.Payload.(type) {
	case *MessageSeenPayload:
		e.handleMessageSeen(p)
	case *MessagePullPayload:
		e.handleMessagePull(p)
	case *MessagePullResponsePayload:
		e.handleMessagePullResponse(p)
	case *DecisionVotePayload:
		e.State.AddVote(p.MsgID, DecisionVote{NodeID: p.Voter, Decision: p.Decision})
	case *EquivocationAlertPayload:
		e.handleEquivocationAlert(p)
	case *ExecutionResultPayload:
		if p.Success {
			e.State.SetCompleted(p.MsgID)
		} else {
			e.State.SetFailed(p.MsgID)
		}
	case *LeaderTakeoverPayload:
		e.Logger.Info("leader takeover observed",
			zap.String("msg_id", p.MsgID.String()),
			zap.String("original_leader", p.OriginalLeader.Short()),
			zap.Uint32("backup_rank", p.BackupRank))
	case *HeartbeatPayload:
		// Liveness is owned by C6/transport; the Engine has nothing to do.
	case *ConfigSyncPayload:
		if err := e.Config.HandleConfigSync(p.BotIDHash, p.SignedConfig); err != nil {
			e.Logger.Warn("config sync rejected", zap.Error(err))
		}
	case *ConfigPullPayload:
		if cfg, ok := e.Config.HandleConfigPull(p.BotIDHash, p.CurrentVersion); ok {
			e.broadcast(TypeConfigPullResponse, &ConfigPullResponsePayload{BotIDHash: p.BotIDHash, SignedConfig: cfg})
		}
	case *ConfigPullResponsePayload:
		if p.SignedConfig != nil {
			if err := e.Config.HandleConfigPullResponse(p.BotIDHash, p.SignedConfig); err != nil {
				e.Logger.Warn("config pull response rejected", zap.Error(err))
			}
		}
	}
}

func (e *Engine) handleMessageSeen(p *MessageSeenPayload) {
	_, needsPull := e.State.OnSeen(p.MsgID, p.NodeID, p.MsgHash)
	if needsPull {
		e.broadcast(TypeMessagePull, &MessagePullPayload{MsgID: p.MsgID})
	}
	if pair, ok := e.State.HasConflictingHashes(p.MsgID); ok {
		e.tryRaiseEquivocation(p.MsgID, pair)
	}
	e.tryConsensus(p.MsgID)
}

func (e *Engine) handleMessagePull(p *MessagePullPayload) {
	original, ok := e.State.GetOriginalMessage(p.MsgID)
	if !ok {
		return
	}
	e.broadcast(TypeMessagePullResponse, &MessagePullResponsePayload{MsgID: p.MsgID, SignedMessage: original})
}

func (e *Engine) handleMessagePullResponse(p *MessagePullResponsePayload) {
	if p.SignedMessage == nil {
		return
	}
	msg := p.SignedMessage
	id := p.MsgID

	original, known := e.State.GetOriginalMessage(id)
	if known && original.MessageHash != msg.MessageHash {
		// A different hash than our own original: this is the alternate
		// side of a possible equivocation, cached for evidence only.
		e.State.CacheAlternate(id, msg)
		if pair, ok := e.State.HasConflictingHashes(id); ok {
			e.tryRaiseEquivocation(id, pair)
		}
		return
	}

	targets, leaderID, hasLeader, backups := e.assignCommittee(msg.MessageHash, msg.Sequence)
	e.State.OnAgentMessageFromPull(id, msg, targets, leaderID, hasLeader, backups)
	e.tryConsensus(id)
}

func (e *Engine) handleEquivocationAlert(p *EquivocationAlertPayload) {
	claimA := signing.EncodeEquivocationClaim(p.BotIDHash, p.Sequence, p.HashA)
	claimB := signing.EncodeEquivocationClaim(p.BotIDHash, p.Sequence, p.HashB)
	if !signing.Verify(p.OwnerPublicKey[:], claimA, p.SigA) || !signing.Verify(p.OwnerPublicKey[:], claimB, p.SigB) {
		e.Logger.Warn("dropped equivocation alert with an invalid owner signature",
			zap.Uint64("sequence", p.Sequence))
		return
	}
	e.Logger.Warn("equivocation confirmed",
		zap.Uint64("sequence", p.Sequence),
		zap.String("hash_a", ids.Hash32(p.HashA).String()),
		zap.String("hash_b", ids.Hash32(p.HashB).String()))
	e.Submitter.ReportEquivocation(p.OwnerPublicKey, p.BotIDHash, p.Sequence, ids.Hash32(p.HashA), p.SigA, ids.Hash32(p.HashB), p.SigB)
}

// tryRaiseEquivocation builds and broadcasts an EquivocationAlert once both
// conflicting SignedMessage variants are locally cached, so the alert always
// carries two independently re-verifiable owner signatures. If only one side
// is known yet, it is a no-op — the earlier MessagePull already in flight
// (triggered from handleMessageSeen's needsPull path, or a repeat Seen) is
// relied on to eventually recover the other side.
func (e *Engine) tryRaiseEquivocation(id MessageID, pair ConflictPair) {
	msgA, okA := e.State.GetCachedByHash(id, pair.HashA)
	msgB, okB := e.State.GetCachedByHash(id, pair.HashB)
	if !okA || !okB {
		return
	}
	if msgA.OwnerPublicKey != msgB.OwnerPublicKey || msgA.BotIDHash != msgB.BotIDHash || msgA.Sequence != msgB.Sequence {
		// Defensive: the conflict index only ever pairs hashes witnessed for
		// the same msg_id, so this should be unreachable; refuse rather than
		// emit an alert with inconsistent claims.
		e.Logger.Error("equivocation candidate identity mismatch, dropping", zap.String("msg_id", id.String()))
		return
	}

	var zero [32]byte
	if msgA.OwnerPublicKey == zero || msgA.BotIDHash == zero {
		// Refuse to emit an alert built from a never-populated owner/bot
		// identity rather than let it travel the network as a hollow claim.
		e.Logger.Error("refusing to build equivocation alert from zero-value owner/bot identity", zap.String("msg_id", id.String()))
		return
	}

	claimA := signing.EncodeEquivocationClaim(msgA.BotIDHash, msgA.Sequence, msgA.MessageHash)
	claimB := signing.EncodeEquivocationClaim(msgB.BotIDHash, msgB.Sequence, msgB.MessageHash)
	if !signing.Verify(msgA.OwnerPublicKey[:], claimA, msgA.OwnerSignature) || !signing.Verify(msgB.OwnerPublicKey[:], claimB, msgB.OwnerSignature) {
		// One of the two cached variants doesn't actually carry a valid
		// owner signature; do not latch the one-shot flag so a correctly
		// signed variant recovered later can still trigger the alert.
		e.Logger.Warn("equivocation candidate has an invalid cached owner signature, dropping", zap.String("msg_id", id.String()))
		return
	}
	if !e.State.TryRaiseAlert(id) {
		return
	}

	payload := &EquivocationAlertPayload{
		OwnerPublicKey: msgA.OwnerPublicKey,
		BotIDHash:      msgA.BotIDHash,
		Sequence:       msgA.Sequence,
		HashA:          pair.HashA,
		SigA:           msgA.OwnerSignature,
		HashB:          pair.HashB,
		SigB:           msgB.OwnerSignature,
	}
	e.broadcast(TypeEquivocationAlert, payload)
	// Submit directly too, rather than relying on this node's own broadcast
	// looping back through OnGossipMessage — a node that has independently
	// verified both signatures has no reason to wait on the network for
	// confirmation of its own finding.
	e.Submitter.ReportEquivocation(payload.OwnerPublicKey, payload.BotIDHash, payload.Sequence, ids.Hash32(payload.HashA), payload.SigA, ids.Hash32(payload.HashB), payload.SigB)
}

// tryConsensus checks C2's consensus predicate and, once satisfied, hands
// off to the Leader Executor (C4) if this node is an active participant.
// Every committee member's own local status moves to Executing here, not
// just the Leader's — the backup take-over watch in C4 reads this node's
// own status, so a backup can only observe "Executing and deadline
// exceeded" if dispatch marks it Executing on every participant, not only
// on whichever node turns out to be Leader. Actually running the platform
// action is still gated by the Executor's own one-shot inside execute().
// The first call to observe consensus for a given msg_id also queues a
// confirmation row with the Chain Submitter (C7), per spec.md §4.7.
func (e *Engine) tryConsensus(id MessageID) {
	reached, _, _ := e.State.CheckConsensus(id)
	if !reached {
		return
	}
	if e.State.TrySetConsensusReached(id) {
		e.submitConfirmation(id)
	}
	if e.Executor == nil {
		return
	}
	targets, ok := e.State.GetTargets(id)
	if !ok || len(targets) == 0 {
		return
	}
	original, ok := e.State.GetOriginalMessage(id)
	if !ok {
		return
	}
	e.State.SetExecuting(id)
	e.Executor.Dispatch(context.Background(), id, targets, original.Sequence)
}

// submitConfirmation builds a confirmation row naming every target that
// reported the agreed message_hash and hands it to the Chain Submitter.
func (e *Engine) submitConfirmation(id MessageID) {
	original, ok := e.State.GetOriginalMessage(id)
	if !ok {
		return
	}
	targets, ok := e.State.GetTargets(id)
	if !ok {
		return
	}
	snap, ok := e.State.Snapshot(id)
	if !ok {
		return
	}
	var confirmedBy []ids.NodeID
	for _, t := range targets {
		if hash, seen := snap.Seen[t]; seen && hash == original.MessageHash {
			confirmedBy = append(confirmedBy, t)
		}
	}
	e.Confirmer.AddConfirmation(id, original.OwnerPublicKey, original.Sequence, original.MessageHash, confirmedBy)
}

// BootstrapConfigPull broadcasts a ConfigPull carrying this node's own
// locally stored config version for botIDHash, so a node coming back online
// recovers any newer signed config held by its peers. Supplements
// original_source/nexus-node/src/gossip/engine.rs's send_config_pull;
// cmd/node calls this once at startup for every bot it has a cached config
// for.
func (e *Engine) BootstrapConfigPull(botIDHash [32]byte) {
	e.broadcast(TypeConfigPull, &ConfigPullPayload{
		BotIDHash:      botIDHash,
		CurrentVersion: e.Config.Version(botIDHash),
	})
}

// --- leader.Broadcaster ---

// BroadcastExecutionResult implements leader.Broadcaster.
func (e *Engine) BroadcastExecutionResult(id ids.MessageID, executorNodeID ids.NodeID, success bool) {
	e.broadcast(TypeExecutionResult, &ExecutionResultPayload{MsgID: id, ExecutorNodeID: executorNodeID, Success: success})
}

// BroadcastLeaderTakeover implements leader.Broadcaster.
func (e *Engine) BroadcastLeaderTakeover(id ids.MessageID, originalLeader ids.NodeID, backupRank uint32) {
	e.broadcast(TypeLeaderTakeover, &LeaderTakeoverPayload{MsgID: id, OriginalLeader: originalLeader, BackupRank: backupRank})
}

// broadcast signs env's prefix with the node's own key and hands it to the
// configured Transport.
func (e *Engine) broadcast(msgType GossipType, payload Payload) {
	env := &Envelope{
		Version:      ProtocolVersion,
		MsgType:      msgType,
		SenderNodeID: e.Self,
		TimestampMs:  e.nowMs(),
		Payload:      payload,
	}
	env.SenderSignature = signing.Sign(e.NodeKey, env.SignedPrefix())
	e.Transport.Broadcast(env)
}

func (e *Engine) nowMs() uint64 {
	if e.Now != nil {
		return e.Now()
	}
	return uint64(time.Now().UnixMilli())
}
