package gossip

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// reader is a minimal cursor over a wire buffer; every accessor bounds-checks.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }
func (r *reader) done() bool     { return r.pos >= len(r.buf) }

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("gossip: unexpected end of buffer reading u8")
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("gossip: unexpected end of buffer reading u32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("gossip: unexpected end of buffer reading u64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("gossip: unexpected end of buffer reading %d bytes", n)
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) bool() (bool, error) {
	v, err := r.u8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func unmarshalPayload(t GossipType, r *reader) (Payload, error) {
	switch t {
	case TypeMessageSeen:
		var p MessageSeenPayload
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.MsgID[:], b)
		}
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.MsgHash[:], b)
		}
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.NodeID[:], b)
		}
		v, err := r.u64()
		if err != nil {
			return nil, err
		}
		p.ConfigVersion = v
		return &p, nil

	case TypeMessagePull:
		var p MessagePullPayload
		b, err := r.bytes(32)
		if err != nil {
			return nil, err
		}
		copy(p.MsgID[:], b)
		return &p, nil

	case TypeMessagePullResponse:
		var p MessagePullResponsePayload
		b, err := r.bytes(32)
		if err != nil {
			return nil, err
		}
		copy(p.MsgID[:], b)
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		msgBytes, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		msg, err := unmarshalSignedMessage(msgBytes)
		if err != nil {
			return nil, err
		}
		p.SignedMessage = msg
		return &p, nil

	case TypeDecisionVote:
		var p DecisionVotePayload
		b, err := r.bytes(32)
		if err != nil {
			return nil, err
		}
		copy(p.MsgID[:], b)
		b, err = r.bytes(32)
		if err != nil {
			return nil, err
		}
		copy(p.Voter[:], b)
		dec, err := r.bool()
		if err != nil {
			return nil, err
		}
		p.Decision = dec
		return &p, nil

	case TypeEquivocationAlert:
		var p EquivocationAlertPayload
		fields := [][]byte{p.OwnerPublicKey[:], p.BotIDHash[:]}
		for i := range fields {
			b, err := r.bytes(32)
			if err != nil {
				return nil, err
			}
			copy(fields[i], b)
		}
		seq, err := r.u64()
		if err != nil {
			return nil, err
		}
		p.Sequence = seq
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.HashA[:], b)
		}
		if b, err := r.bytes(64); err != nil {
			return nil, err
		} else {
			copy(p.SigA[:], b)
		}
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.HashB[:], b)
		}
		if b, err := r.bytes(64); err != nil {
			return nil, err
		} else {
			copy(p.SigB[:], b)
		}
		return &p, nil

	case TypeExecutionResult:
		var p ExecutionResultPayload
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.MsgID[:], b)
		}
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.ExecutorNodeID[:], b)
		}
		ok, err := r.bool()
		if err != nil {
			return nil, err
		}
		p.Success = ok
		return &p, nil

	case TypeLeaderTakeover:
		var p LeaderTakeoverPayload
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.MsgID[:], b)
		}
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.OriginalLeader[:], b)
		}
		rank, err := r.u32()
		if err != nil {
			return nil, err
		}
		p.BackupRank = rank
		return &p, nil

	case TypeHeartbeat:
		return &HeartbeatPayload{}, nil

	case TypeConfigSync:
		var p ConfigSyncPayload
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.BotIDHash[:], b)
		}
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		cfgBytes, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		cfg, err := unmarshalSignedConfig(cfgBytes)
		if err != nil {
			return nil, err
		}
		p.SignedConfig = *cfg
		return &p, nil

	case TypeConfigPull:
		var p ConfigPullPayload
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.BotIDHash[:], b)
		}
		v, err := r.u64()
		if err != nil {
			return nil, err
		}
		p.CurrentVersion = v
		return &p, nil

	case TypeConfigPullResponse:
		var p ConfigPullResponsePayload
		if b, err := r.bytes(32); err != nil {
			return nil, err
		} else {
			copy(p.BotIDHash[:], b)
		}
		present, err := r.bool()
		if err != nil {
			return nil, err
		}
		if !present {
			return &p, nil
		}
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		cfgBytes, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		cfg, err := unmarshalSignedConfig(cfgBytes)
		if err != nil {
			return nil, err
		}
		p.SignedConfig = cfg
		return &p, nil

	default:
		return nil, fmt.Errorf("gossip: unknown msg_type %d", t)
	}
}

func marshalSignedMessage(m *SignedMessage) []byte {
	event, _ := json.Marshal(m.PlatformEvent)
	buf := make([]byte, 0, 32+32+8+8+32+4+len(event)+64+1)
	buf = append(buf, m.OwnerPublicKey[:]...)
	buf = append(buf, m.BotIDHash[:]...)
	buf = appendU64(buf, m.Sequence)
	buf = appendU64(buf, m.TimestampMs)
	buf = append(buf, m.MessageHash[:]...)
	buf = appendU32(buf, uint32(len(event)))
	buf = append(buf, event...)
	buf = append(buf, m.OwnerSignature[:]...)
	buf = append(buf, uint8(m.Platform))
	return buf
}

func unmarshalSignedMessage(data []byte) (*SignedMessage, error) {
	r := &reader{buf: data}
	m := &SignedMessage{}

	if b, err := r.bytes(32); err != nil {
		return nil, err
	} else {
		copy(m.OwnerPublicKey[:], b)
	}
	if b, err := r.bytes(32); err != nil {
		return nil, err
	} else {
		copy(m.BotIDHash[:], b)
	}
	seq, err := r.u64()
	if err != nil {
		return nil, err
	}
	m.Sequence = seq
	ts, err := r.u64()
	if err != nil {
		return nil, err
	}
	m.TimestampMs = ts
	if b, err := r.bytes(32); err != nil {
		return nil, err
	} else {
		copy(m.MessageHash[:], b)
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	eventBytes, err := r.bytes(int(n))
	if err != nil {
		return nil, err
	}
	m.PlatformEvent = append(json.RawMessage{}, eventBytes...)
	if b, err := r.bytes(64); err != nil {
		return nil, err
	} else {
		copy(m.OwnerSignature[:], b)
	}
	platform, err := r.u8()
	if err != nil {
		return nil, err
	}
	m.Platform = Platform(platform)
	return m, nil
}

func marshalSignedConfig(c *SignedGroupConfig) []byte {
	buf := make([]byte, 0, 32+8+4+len(c.Config.Policy)+32+64)
	buf = append(buf, c.Config.BotIDHash[:]...)
	buf = appendU64(buf, c.Config.Version)
	buf = appendU32(buf, uint32(len(c.Config.Policy)))
	buf = append(buf, c.Config.Policy...)
	buf = append(buf, c.SignerPublicKey[:]...)
	buf = append(buf, c.Signature[:]...)
	return buf
}

func unmarshalSignedConfig(data []byte) (*SignedGroupConfig, error) {
	r := &reader{buf: data}
	var c SignedGroupConfig

	if b, err := r.bytes(32); err != nil {
		return nil, err
	} else {
		copy(c.Config.BotIDHash[:], b)
	}
	v, err := r.u64()
	if err != nil {
		return nil, err
	}
	c.Config.Version = v
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	policy, err := r.bytes(int(n))
	if err != nil {
		return nil, err
	}
	c.Config.Policy = append([]byte{}, policy...)
	if b, err := r.bytes(32); err != nil {
		return nil, err
	} else {
		copy(c.SignerPublicKey[:], b)
	}
	if b, err := r.bytes(64); err != nil {
		return nil, err
	} else {
		copy(c.Signature[:], b)
	}
	return &c, nil
}
