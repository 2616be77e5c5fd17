// Package ids defines the fixed-width identifier types shared across the
// consensus core: node identities and the 32-byte digests used as message,
// owner, and bot identities.
package ids

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// NodeID is a bounded 32-byte node identity, assigned by the chain registry
// at node registration time.
type NodeID [32]byte

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an 8-hex-character prefix, convenient for log fields.
func (id NodeID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Less orders two NodeIDs lexicographically by their raw bytes.
func (id NodeID) Less(other NodeID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Hash32 is a fixed-width 32-byte digest: a message_hash, bot_id_hash, or
// owner_public_key, depending on context.
type Hash32 [32]byte

func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero-value digest.
func (h Hash32) IsZero() bool {
	return h == Hash32{}
}

// Signature64 is a 64-byte Ed25519 signature.
type Signature64 [64]byte

func (s Signature64) IsZero() bool {
	return s == Signature64{}
}

// SortNodeIDs returns a sorted copy of ids, lexicographic on raw bytes, as
// required before any deterministic committee derivation (spec: "sort ids
// lexicographically" precedes seeding the shuffle).
func SortNodeIDs(in []NodeID) []NodeID {
	out := make([]NodeID, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// MessageID is the canonical identifier msg_id = H(bot_id_hash || sequence)
// of a SignedMessage, shared by every package that addresses messages
// without needing the message body itself.
type MessageID [32]byte

// MakeMessageID computes msg_id for a (bot, sequence) pair.
func MakeMessageID(botIDHash [32]byte, sequence uint64) MessageID {
	var buf [40]byte
	copy(buf[:32], botIDHash[:])
	binary.LittleEndian.PutUint64(buf[32:], sequence)
	return MessageID(sha256.Sum256(buf[:]))
}

func (id MessageID) String() string {
	return Hash32(id).String()
}
