package gossip

import (
	"fmt"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
)

// GossipType is the stable wire identifier for an envelope's payload kind
// (spec.md §6 table).
type GossipType uint8

const (
	TypeMessageSeen         GossipType = 1
	TypeMessagePull         GossipType = 2
	TypeMessagePullResponse GossipType = 3
	TypeDecisionVote        GossipType = 4
	TypeEquivocationAlert   GossipType = 5
	TypeExecutionResult     GossipType = 6
	TypeLeaderTakeover      GossipType = 7
	TypeHeartbeat           GossipType = 8
	TypeConfigSync          GossipType = 9
	TypeConfigPull          GossipType = 10
	TypeConfigPullResponse  GossipType = 11
)

// ProtocolVersion is the current wire protocol revision.
const ProtocolVersion uint8 = 1

// Envelope is the GossipEnvelope wire unit: version, msg_type,
// sender_node_id, timestamp_ms, a typed payload, and the sender's node-key
// signature over everything preceding it.
type Envelope struct {
	Version         uint8
	MsgType         GossipType
	SenderNodeID    ids.NodeID
	TimestampMs     uint64
	Payload         Payload
	SenderSignature [64]byte
}

// Payload is implemented by each typed envelope payload.
type Payload interface {
	marshal() []byte
	gossipType() GossipType
}

// SignedPrefix returns the bytes the sender's signature covers: version,
// msg_type, length-prefixed sender_node_id, timestamp_ms, and the encoded
// payload — everything preceding sender_signature on the wire.
func (e *Envelope) SignedPrefix() []byte {
	payload := e.Payload.marshal()
	buf := make([]byte, 0, 2+4+32+8+len(payload))
	buf = append(buf, e.Version, uint8(e.MsgType))
	buf = appendU32(buf, 32)
	buf = append(buf, e.SenderNodeID[:]...)
	buf = appendU64(buf, e.TimestampMs)
	buf = append(buf, payload...)
	return buf
}

// MarshalBinary implements encoding.BinaryMarshaler: SignedPrefix followed
// by the 64-byte sender signature.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	buf := e.SignedPrefix()
	buf = append(buf, e.SenderSignature[:]...)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	version, err := r.u8()
	if err != nil {
		return err
	}
	msgType, err := r.u8()
	if err != nil {
		return err
	}
	nodeIDLen, err := r.u32()
	if err != nil {
		return err
	}
	if nodeIDLen != 32 {
		return fmt.Errorf("gossip: sender_node_id length %d, want 32", nodeIDLen)
	}
	nodeIDBytes, err := r.bytes(32)
	if err != nil {
		return err
	}
	timestampMs, err := r.u64()
	if err != nil {
		return err
	}

	payload, err := unmarshalPayload(GossipType(msgType), r)
	if err != nil {
		return err
	}

	sigBytes, err := r.bytes(64)
	if err != nil {
		return err
	}
	if !r.done() {
		return fmt.Errorf("gossip: %d trailing bytes after envelope", r.remaining())
	}

	e.Version = version
	e.MsgType = GossipType(msgType)
	copy(e.SenderNodeID[:], nodeIDBytes)
	e.TimestampMs = timestampMs
	e.Payload = payload
	copy(e.SenderSignature[:], sigBytes)
	return nil
}

// --- typed payloads ---

type MessageSeenPayload struct {
	MsgID         MessageID
	MsgHash       [32]byte
	NodeID        ids.NodeID
	ConfigVersion uint64
}

func (p *MessageSeenPayload) gossipType() GossipType { return TypeMessageSeen }
func (p *MessageSeenPayload) marshal() []byte {
	buf := make([]byte, 0, 32+32+32+8)
	buf = append(buf, p.MsgID[:]...)
	buf = append(buf, p.MsgHash[:]...)
	buf = append(buf, p.NodeID[:]...)
	buf = appendU64(buf, p.ConfigVersion)
	return buf
}

type MessagePullPayload struct {
	MsgID MessageID
}

func (p *MessagePullPayload) gossipType() GossipType { return TypeMessagePull }
func (p *MessagePullPayload) marshal() []byte        { return append([]byte{}, p.MsgID[:]...) }

type MessagePullResponsePayload struct {
	MsgID         MessageID
	SignedMessage *SignedMessage
}

func (p *MessagePullResponsePayload) gossipType() GossipType { return TypeMessagePullResponse }
func (p *MessagePullResponsePayload) marshal() []byte {
	buf := append([]byte{}, p.MsgID[:]...)
	msgBytes := marshalSignedMessage(p.SignedMessage)
	buf = appendU32(buf, uint32(len(msgBytes)))
	buf = append(buf, msgBytes...)
	return buf
}

type DecisionVotePayload struct {
	MsgID    MessageID
	Voter    ids.NodeID
	Decision bool
}

func (p *DecisionVotePayload) gossipType() GossipType { return TypeDecisionVote }
func (p *DecisionVotePayload) marshal() []byte {
	buf := append([]byte{}, p.MsgID[:]...)
	buf = append(buf, p.Voter[:]...)
	if p.Decision {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// EquivocationAlertPayload carries both conflicting claims verbatim so every
// receiver can independently re-verify both owner signatures before acting.
type EquivocationAlertPayload struct {
	OwnerPublicKey [32]byte
	BotIDHash      [32]byte
	Sequence       uint64
	HashA          [32]byte
	SigA           [64]byte
	HashB          [32]byte
	SigB           [64]byte
}

func (p *EquivocationAlertPayload) gossipType() GossipType { return TypeEquivocationAlert }
func (p *EquivocationAlertPayload) marshal() []byte {
	buf := make([]byte, 0, 32+32+8+32+64+32+64)
	buf = append(buf, p.OwnerPublicKey[:]...)
	buf = append(buf, p.BotIDHash[:]...)
	buf = appendU64(buf, p.Sequence)
	buf = append(buf, p.HashA[:]...)
	buf = append(buf, p.SigA[:]...)
	buf = append(buf, p.HashB[:]...)
	buf = append(buf, p.SigB[:]...)
	return buf
}

type ExecutionResultPayload struct {
	MsgID          MessageID
	ExecutorNodeID ids.NodeID
	Success        bool
}

func (p *ExecutionResultPayload) gossipType() GossipType { return TypeExecutionResult }
func (p *ExecutionResultPayload) marshal() []byte {
	buf := append([]byte{}, p.MsgID[:]...)
	buf = append(buf, p.ExecutorNodeID[:]...)
	if p.Success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

type LeaderTakeoverPayload struct {
	MsgID          MessageID
	OriginalLeader ids.NodeID
	BackupRank     uint32
}

func (p *LeaderTakeoverPayload) gossipType() GossipType { return TypeLeaderTakeover }
func (p *LeaderTakeoverPayload) marshal() []byte {
	buf := append([]byte{}, p.MsgID[:]...)
	buf = append(buf, p.OriginalLeader[:]...)
	buf = appendU32(buf, p.BackupRank)
	return buf
}

type HeartbeatPayload struct{}

func (p *HeartbeatPayload) gossipType() GossipType { return TypeHeartbeat }
func (p *HeartbeatPayload) marshal() []byte        { return nil }

type ConfigSyncPayload struct {
	BotIDHash    [32]byte
	SignedConfig SignedGroupConfig
}

func (p *ConfigSyncPayload) gossipType() GossipType { return TypeConfigSync }
func (p *ConfigSyncPayload) marshal() []byte {
	buf := append([]byte{}, p.BotIDHash[:]...)
	cfgBytes := marshalSignedConfig(&p.SignedConfig)
	buf = appendU32(buf, uint32(len(cfgBytes)))
	buf = append(buf, cfgBytes...)
	return buf
}

type ConfigPullPayload struct {
	BotIDHash      [32]byte
	CurrentVersion uint64
}

func (p *ConfigPullPayload) gossipType() GossipType { return TypeConfigPull }
func (p *ConfigPullPayload) marshal() []byte {
	buf := append([]byte{}, p.BotIDHash[:]...)
	buf = appendU64(buf, p.CurrentVersion)
	return buf
}

type ConfigPullResponsePayload struct {
	BotIDHash    [32]byte
	SignedConfig *SignedGroupConfig // nil iff the responder had nothing newer
}

func (p *ConfigPullResponsePayload) gossipType() GossipType { return TypeConfigPullResponse }
func (p *ConfigPullResponsePayload) marshal() []byte {
	buf := append([]byte{}, p.BotIDHash[:]...)
	if p.SignedConfig == nil {
		buf = append(buf, 0)
		return buf
	}
	buf = append(buf, 1)
	cfgBytes := marshalSignedConfig(p.SignedConfig)
	buf = appendU32(buf, uint32(len(cfgBytes)))
	buf = append(buf, cfgBytes...)
	return buf
}
