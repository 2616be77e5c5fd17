// Package signing implements the canonical byte encodings and Ed25519
// operations the core signs and verifies over: owner signatures on
// SignedMessage, owner signatures on SignedGroupConfig, and node-key
// signatures on GossipEnvelope.
//
// Kept independent of the gossip/configstore domain types so that every
// encoder takes primitive fields in the order spec.md §6 declares them,
// rather than depending on a concrete struct shape.
package signing

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/lao-sha/cosmos-sub002/internal/errors"
)

// Sign produces an Ed25519 signature over payload.
func Sign(priv ed25519.PrivateKey, payload []byte) [64]byte {
	var out [64]byte
	copy(out[:], ed25519.Sign(priv, payload))
	return out
}

// Verify reports whether sig is a valid Ed25519 signature over payload
// under pub.
func Verify(pub ed25519.PublicKey, payload []byte, sig [64]byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, payload, sig[:])
}

// EncodeSignedMessage builds the canonical byte encoding of a SignedMessage
// over which the owner's Ed25519 signature is computed: the concatenation
// of owner_public_key, bot_id_hash, sequence (LE), timestamp_ms (LE), and
// message_hash. platform_event is explicitly excluded — only message_hash,
// the external digest over it, is signed.
func EncodeSignedMessage(ownerPublicKey, botIDHash [32]byte, sequence, timestampMs uint64, messageHash [32]byte) []byte {
	buf := make([]byte, 0, 32+32+8+8+32)
	buf = append(buf, ownerPublicKey[:]...)
	buf = append(buf, botIDHash[:]...)
	buf = appendUint64LE(buf, sequence)
	buf = appendUint64LE(buf, timestampMs)
	buf = append(buf, messageHash[:]...)
	return buf
}

// EncodeEquivocationClaim builds the canonical bytes signed by the owner
// for a single claimed hash under (bot_id_hash, sequence): used both when
// the original message is signed and when an EquivocationAlert receiver
// re-verifies each side independently.
func EncodeEquivocationClaim(botIDHash [32]byte, sequence uint64, hash [32]byte) []byte {
	buf := make([]byte, 0, 32+8+32)
	buf = append(buf, botIDHash[:]...)
	buf = appendUint64LE(buf, sequence)
	buf = append(buf, hash[:]...)
	return buf
}

// EncodeGroupConfig builds the canonical bytes signed by the owner over a
// GroupConfig: bot_id_hash, version (LE), then the caller-supplied
// marshaled policy body (opaque to this package).
func EncodeGroupConfig(botIDHash [32]byte, version uint64, policyBody []byte) []byte {
	buf := make([]byte, 0, 32+8+len(policyBody))
	buf = append(buf, botIDHash[:]...)
	buf = appendUint64LE(buf, version)
	buf = append(buf, policyBody...)
	return buf
}

// EncodeEnvelopePrefix builds the portion of a GossipEnvelope's wire bytes
// that precede sender_signature: version, msg_type, length-prefixed
// sender_node_id, timestamp_ms (LE), and the already-encoded payload. The
// signature covers exactly these bytes, per spec.md §6.
func EncodeEnvelopePrefix(version, msgType uint8, senderNodeID []byte, timestampMs uint64, payload []byte) []byte {
	buf := make([]byte, 0, 2+4+len(senderNodeID)+8+len(payload))
	buf = append(buf, version, msgType)
	buf = appendUint32LE(buf, uint32(len(senderNodeID)))
	buf = append(buf, senderNodeID...)
	buf = appendUint64LE(buf, timestampMs)
	buf = append(buf, payload...)
	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32LE(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// VerifyOrError is a convenience wrapper returning a *errors.ConsensusError
// of KindMalformedEnvelope when verification fails, for call sites that want
// to propagate the structured taxonomy directly.
func VerifyOrError(pub ed25519.PublicKey, payload []byte, sig [64]byte, context string) error {
	if !Verify(pub, payload, sig) {
		return errors.NewMalformedEnvelope("signature verification failed: "+context, nil)
	}
	return nil
}
