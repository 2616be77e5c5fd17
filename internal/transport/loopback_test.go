package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lao-sha/cosmos-sub002/internal/gossip"
	"github.com/lao-sha/cosmos-sub002/internal/ids"
)

type recordingHandler struct {
	received []*gossip.Envelope
}

func (r *recordingHandler) OnGossipMessage(env *gossip.Envelope) {
	r.received = append(r.received, env)
}

func mkID(b byte) ids.NodeID {
	var id ids.NodeID
	id[0] = b
	return id
}

func TestLoopback_Broadcast_SkipsSender(t *testing.T) {
	l := NewLoopback()
	a, b, c := &recordingHandler{}, &recordingHandler{}, &recordingHandler{}
	l.Register(mkID(1), a)
	l.Register(mkID(2), b)
	l.Register(mkID(3), c)

	env := &gossip.Envelope{SenderNodeID: mkID(1), Payload: &gossip.HeartbeatPayload{}}
	l.Broadcast(env)

	assert.Empty(t, a.received, "the sender must not receive its own broadcast")
	assert.Len(t, b.received, 1)
	assert.Len(t, c.received, 1)
}

func TestLoopback_Unregister_StopsDelivery(t *testing.T) {
	l := NewLoopback()
	h := &recordingHandler{}
	l.Register(mkID(2), h)
	l.Unregister(mkID(2))

	l.Broadcast(&gossip.Envelope{SenderNodeID: mkID(1), Payload: &gossip.HeartbeatPayload{}})
	assert.Empty(t, h.received)
}

func TestDedupKeyFor_DeterministicAndSensitiveToEachField(t *testing.T) {
	sender := mkID(1)
	base := dedupKeyFor(sender, 100, gossip.TypeHeartbeat, []byte("payload"))
	same := dedupKeyFor(sender, 100, gossip.TypeHeartbeat, []byte("payload"))
	assert.Equal(t, base, same)

	diffTs := dedupKeyFor(sender, 101, gossip.TypeHeartbeat, []byte("payload"))
	assert.NotEqual(t, base, diffTs)

	diffType := dedupKeyFor(sender, 100, gossip.TypeMessageSeen, []byte("payload"))
	assert.NotEqual(t, base, diffType)

	diffPayload := dedupKeyFor(sender, 100, gossip.TypeHeartbeat, []byte("other"))
	assert.NotEqual(t, base, diffPayload)
}
