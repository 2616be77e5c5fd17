// Package gossip implements the Gossip State (C2) and Gossip Engine (C3):
// per-message lifecycle tracking, dissemination, equivocation detection, and
// the consensus check that hands execution off to the Leader Executor.
package gossip

import (
	"time"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/message"
)

// MessageID is the canonical msg_id, shared with every package that
// addresses messages without needing the message body.
type MessageID = ids.MessageID

// MakeMessageID computes msg_id for a (bot, sequence) pair.
func MakeMessageID(botIDHash [32]byte, sequence uint64) MessageID {
	return ids.MakeMessageID(botIDHash, sequence)
}

// SignedMessage is re-exported from internal/message so callers that only
// touch the gossip package need not import it separately.
type SignedMessage = message.SignedMessage

// GroupConfig/SignedGroupConfig are re-exported from internal/message.
type GroupConfig = message.GroupConfig
type SignedGroupConfig = message.SignedGroupConfig

// Platform and its values are re-exported from internal/message.
type Platform = message.Platform

const (
	PlatformUnknown  = message.PlatformUnknown
	PlatformTelegram = message.PlatformTelegram
	PlatformDiscord  = message.PlatformDiscord
)

// Status is the lifecycle state of a MessageState. Transitions are
// monotonic: New -> Received -> ConsensusReached -> Executing ->
// {Completed|Failed}. No back-transitions.
type Status uint8

const (
	StatusNew Status = iota
	StatusReceived
	StatusConsensusReached
	StatusExecuting
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "New"
	case StatusReceived:
		return "Received"
	case StatusConsensusReached:
		return "ConsensusReached"
	case StatusExecuting:
		return "Executing"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// rank returns the monotonic ordinal of s, used to reject back-transitions.
func (s Status) rank() int { return int(s) }

// DecisionVote is the auxiliary, non-blocking vote channel spec.md §9
// leaves uncombined with seen-counting; CheckConsensus never reads it.
type DecisionVote struct {
	NodeID   ids.NodeID
	Decision bool
}

// MessageState is the per-msg_id state Gossip State exclusively owns.
type MessageState struct {
	Status       Status
	Original     *SignedMessage
	Targets      []ids.NodeID
	Leader       ids.NodeID
	HasLeader    bool
	Backups      []ids.NodeID
	Seen         map[ids.NodeID][32]byte // append-only per node; reassignment is an equivocation fact
	// FirstSeenHash is the hash of the first Seen report received for this
	// msg_id, used as the comparison baseline for cross-node disagreement
	// detection until Original (the cached SignedMessage) becomes known.
	FirstSeenHash *[32]byte
	ConflictPair  *ConflictPair
	// OriginalByHash caches every distinct SignedMessage variant this node
	// has obtained (directly or via Pull) for this msg_id, keyed by its
	// message_hash. Normally holds one entry; a second appears only when an
	// equivocating owner's alternate variant is recovered, which is what
	// lets an EquivocationAlert carry both owner signatures verbatim.
	OriginalByHash map[ids.Hash32]*SignedMessage
	AlertRaised    bool
	Votes          []DecisionVote
	CreatedAt      time.Time
	LastActivity   time.Time
}

// ConflictPair records two distinct hashes witnessed for the same msg_id,
// deterministically ordered (lexicographically smaller first) so every
// honest node derives the same pair.
type ConflictPair struct {
	HashA ids.Hash32
	HashB ids.Hash32
}
