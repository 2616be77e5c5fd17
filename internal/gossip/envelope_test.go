package gossip

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, e *Envelope) *Envelope {
	t.Helper()
	data, err := e.MarshalBinary()
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, got.UnmarshalBinary(data))
	return &got
}

func TestEnvelope_RoundTrip_MessageSeen(t *testing.T) {
	e := &Envelope{
		Version:      ProtocolVersion,
		MsgType:      TypeMessageSeen,
		SenderNodeID: mkNode(1),
		TimestampMs:  1000,
		Payload: &MessageSeenPayload{
			MsgID:         MessageID{0xAB},
			MsgHash:       [32]byte{0xCD},
			NodeID:        mkNode(2),
			ConfigVersion: 5,
		},
		SenderSignature: [64]byte{0x01, 0x02},
	}

	got := roundTrip(t, e)
	assert.Equal(t, e.Version, got.Version)
	assert.Equal(t, e.MsgType, got.MsgType)
	assert.Equal(t, e.SenderNodeID, got.SenderNodeID)
	assert.Equal(t, e.TimestampMs, got.TimestampMs)
	assert.Equal(t, e.SenderSignature, got.SenderSignature)
	assert.Equal(t, e.Payload, got.Payload)
}

func TestEnvelope_RoundTrip_MessagePullResponse(t *testing.T) {
	msg := &SignedMessage{
		OwnerPublicKey: [32]byte{1},
		BotIDHash:      [32]byte{2},
		Sequence:       9,
		TimestampMs:    42,
		MessageHash:    [32]byte{3},
		PlatformEvent:  json.RawMessage(`{"a":1}`),
		OwnerSignature: [64]byte{4},
		Platform:       PlatformTelegram,
	}
	e := &Envelope{
		Version:      ProtocolVersion,
		MsgType:      TypeMessagePullResponse,
		SenderNodeID: mkNode(3),
		TimestampMs:  55,
		Payload: &MessagePullResponsePayload{
			MsgID:         MessageID{0x01},
			SignedMessage: msg,
		},
		SenderSignature: [64]byte{9},
	}

	got := roundTrip(t, e)
	gotPayload := got.Payload.(*MessagePullResponsePayload)
	assert.Equal(t, msg, gotPayload.SignedMessage)
}

func TestEnvelope_RoundTrip_EquivocationAlert(t *testing.T) {
	e := &Envelope{
		Version:      ProtocolVersion,
		MsgType:      TypeEquivocationAlert,
		SenderNodeID: mkNode(4),
		TimestampMs:  1,
		Payload: &EquivocationAlertPayload{
			OwnerPublicKey: [32]byte{1},
			BotIDHash:      [32]byte{2},
			Sequence:       7,
			HashA:          [32]byte{3},
			SigA:           [64]byte{4},
			HashB:          [32]byte{5},
			SigB:           [64]byte{6},
		},
	}
	got := roundTrip(t, e)
	assert.Equal(t, e.Payload, got.Payload)
}

func TestEnvelope_RoundTrip_ConfigPullResponse_Absent(t *testing.T) {
	e := &Envelope{
		Version:      ProtocolVersion,
		MsgType:      TypeConfigPullResponse,
		SenderNodeID: mkNode(5),
		Payload: &ConfigPullResponsePayload{
			BotIDHash:    [32]byte{9},
			SignedConfig: nil,
		},
	}
	got := roundTrip(t, e)
	gotPayload := got.Payload.(*ConfigPullResponsePayload)
	assert.Nil(t, gotPayload.SignedConfig)
}

func TestEnvelope_RoundTrip_ConfigSync(t *testing.T) {
	e := &Envelope{
		Version:      ProtocolVersion,
		MsgType:      TypeConfigSync,
		SenderNodeID: mkNode(6),
		Payload: &ConfigSyncPayload{
			BotIDHash: [32]byte{1},
			SignedConfig: SignedGroupConfig{
				Config: GroupConfig{
					BotIDHash: [32]byte{1},
					Version:   3,
					Policy:    []byte(`{"rate_limit":10}`),
				},
				SignerPublicKey: [32]byte{2},
				Signature:       [64]byte{3},
			},
		},
	}
	got := roundTrip(t, e)
	gotPayload := got.Payload.(*ConfigSyncPayload)
	assert.Equal(t, e.Payload.(*ConfigSyncPayload).SignedConfig, gotPayload.SignedConfig)
}

func TestEnvelope_UnmarshalBinary_RejectsTrailingBytes(t *testing.T) {
	e := &Envelope{
		Version:      ProtocolVersion,
		MsgType:      TypeHeartbeat,
		SenderNodeID: mkNode(1),
		Payload:      &HeartbeatPayload{},
	}
	data, err := e.MarshalBinary()
	require.NoError(t, err)

	data = append(data, 0xFF)
	var got Envelope
	assert.Error(t, got.UnmarshalBinary(data))
}
