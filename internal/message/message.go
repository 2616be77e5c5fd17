// Package message defines the data shared across the consensus core's
// component packages: the owner-signed SignedMessage unit of consensus and
// the per-bot GroupConfig/SignedGroupConfig policy blob. Kept dependency-free
// of gossip/leader/platform so each of those can depend on it without
// creating an import cycle.
package message

import (
	"encoding/json"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
)

// Platform identifies the originating bot platform.
type Platform uint8

const (
	PlatformUnknown Platform = iota
	PlatformTelegram
	PlatformDiscord
)

// SignedMessage is the indivisible unit of consensus: an owner-signed,
// normalized platform update. Identity is (bot_id_hash, sequence); canonical
// identifier msg_id = H(bot_id_hash || sequence).
type SignedMessage struct {
	OwnerPublicKey [32]byte
	BotIDHash      [32]byte
	Sequence       uint64
	TimestampMs    uint64
	MessageHash    [32]byte
	PlatformEvent  json.RawMessage
	OwnerSignature [64]byte
	Platform       Platform
}

// MsgID derives this message's canonical identifier.
func (m *SignedMessage) MsgID() ids.MessageID {
	return ids.MakeMessageID(m.BotIDHash, m.Sequence)
}

// GroupConfig is the per-bot policy blob; policy fields beyond the
// versioning envelope are opaque JSON to this core (join policy, rate
// limits, welcome text, block-lists, anti-flood knobs — owned by the bot
// business-rule layer, out of scope here).
type GroupConfig struct {
	BotIDHash [32]byte
	Version   uint64
	Policy    []byte
}

// SignedGroupConfig binds a GroupConfig to the owner's canonical signature.
type SignedGroupConfig struct {
	Config          GroupConfig
	SignerPublicKey [32]byte
	Signature       [64]byte
}
