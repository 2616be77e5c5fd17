package chaincache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/message"
)

type fakeReader struct {
	mu            sync.Mutex
	nodes         []NodeInfo
	nodesErr      error
	subscriptions map[ids.Hash32]SubscriptionStatus
	configs       map[ids.Hash32]message.SignedGroupConfig
	subCalls      int
	configCalls   int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		subscriptions: make(map[ids.Hash32]SubscriptionStatus),
		configs:       make(map[ids.Hash32]message.SignedGroupConfig),
	}
}

func (f *fakeReader) GetActiveNodes(ctx context.Context) ([]NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodesErr != nil {
		return nil, f.nodesErr
	}
	out := make([]NodeInfo, len(f.nodes))
	copy(out, f.nodes)
	return out, nil
}

func (f *fakeReader) GetSubscription(ctx context.Context, botIDHash ids.Hash32) (SubscriptionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	return f.subscriptions[botIDHash], nil
}

func (f *fakeReader) GetGroupConfig(ctx context.Context, botIDHash ids.Hash32) (*message.SignedGroupConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configCalls++
	cfg, ok := f.configs[botIDHash]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func mkNode(b byte, status NodeStatus) NodeInfo {
	var id ids.NodeID
	id[0] = b
	return NodeInfo{NodeID: id, Status: status, Reputation: 5000}
}

func TestCache_GetActiveNodeIDs_FiltersByStatus(t *testing.T) {
	reader := newFakeReader()
	reader.nodes = []NodeInfo{
		mkNode(1, NodeStatusActive),
		mkNode(2, NodeStatusProbation),
		mkNode(3, NodeStatusSuspended),
		mkNode(4, NodeStatusExiting),
	}
	c := NewCache(reader, time.Hour, time.Hour, nil)
	require.NoError(t, c.refreshNodes(context.Background()))

	active := c.GetActiveNodeIDs()
	assert.Len(t, active, 2)
}

func TestCache_GetActiveNodeIDs_SortedLexicographically(t *testing.T) {
	reader := newFakeReader()
	reader.nodes = []NodeInfo{
		mkNode(9, NodeStatusActive),
		mkNode(1, NodeStatusActive),
		mkNode(5, NodeStatusActive),
	}
	c := NewCache(reader, time.Hour, time.Hour, nil)
	require.NoError(t, c.refreshNodes(context.Background()))

	active := c.GetActiveNodeIDs()
	require.Len(t, active, 3)
	assert.True(t, active[0].Less(active[1]))
	assert.True(t, active[1].Less(active[2]))
}

func TestCache_GetNodeInfo_ReturnsCachedEntry(t *testing.T) {
	reader := newFakeReader()
	reader.nodes = []NodeInfo{mkNode(7, NodeStatusActive)}
	c := NewCache(reader, time.Hour, time.Hour, nil)
	require.NoError(t, c.refreshNodes(context.Background()))

	info, ok := c.GetNodeInfo(mkNode(7, NodeStatusActive).NodeID)
	require.True(t, ok)
	assert.Equal(t, NodeStatusActive, info.Status)

	_, ok = c.GetNodeInfo(mkNode(99, NodeStatusActive).NodeID)
	assert.False(t, ok)
}

func TestCache_GetGroupConfig_ServesFromCacheWithinTTL(t *testing.T) {
	reader := newFakeReader()
	bot := ids.Hash32{1}
	reader.configs[bot] = message.SignedGroupConfig{Config: message.GroupConfig{BotIDHash: bot, Version: 3}}
	c := NewCache(reader, time.Hour, time.Hour, nil)

	cfg, err := c.GetGroupConfig(context.Background(), bot)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint64(3), cfg.Config.Version)

	_, err = c.GetGroupConfig(context.Background(), bot)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.configCalls, "second read within TTL must not hit the reader again")
}

func TestCache_GetGroupConfig_RefetchesAfterTTLExpiry(t *testing.T) {
	reader := newFakeReader()
	bot := ids.Hash32{2}
	reader.configs[bot] = message.SignedGroupConfig{Config: message.GroupConfig{BotIDHash: bot, Version: 1}}
	c := NewCache(reader, time.Hour, time.Millisecond, nil)

	_, err := c.GetGroupConfig(context.Background(), bot)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = c.GetGroupConfig(context.Background(), bot)
	require.NoError(t, err)
	assert.Equal(t, 2, reader.configCalls)
}

func TestCache_GetConfigVersion_ReadsLocalCacheOnly(t *testing.T) {
	reader := newFakeReader()
	bot := ids.Hash32{3}
	c := NewCache(reader, time.Hour, time.Hour, nil)

	assert.Equal(t, uint64(0), c.GetConfigVersion(bot))

	c.ApplySignedConfig(message.SignedGroupConfig{Config: message.GroupConfig{BotIDHash: bot, Version: 9}})
	assert.Equal(t, uint64(9), c.GetConfigVersion(bot))
	assert.Equal(t, 0, reader.configCalls, "GetConfigVersion must never call the reader")
}

func TestCache_ApplySignedConfig_IgnoresStaleVersion(t *testing.T) {
	bot := ids.Hash32{4}
	c := NewCache(newFakeReader(), time.Hour, time.Hour, nil)
	c.ApplySignedConfig(message.SignedGroupConfig{Config: message.GroupConfig{BotIDHash: bot, Version: 5}})
	c.ApplySignedConfig(message.SignedGroupConfig{Config: message.GroupConfig{BotIDHash: bot, Version: 2}})
	assert.Equal(t, uint64(5), c.GetConfigVersion(bot))
}

func TestCache_GetSubscriptionState_CachesWithinTTL(t *testing.T) {
	reader := newFakeReader()
	bot := ids.Hash32{5}
	reader.subscriptions[bot] = SubscriptionSuspended
	c := NewCache(reader, time.Hour, time.Hour, nil)

	status, err := c.GetSubscriptionState(context.Background(), bot)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionSuspended, status)

	_, err = c.GetSubscriptionState(context.Background(), bot)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.subCalls)
}

func TestCache_StartStop_RefreshesInBackground(t *testing.T) {
	reader := newFakeReader()
	reader.nodes = []NodeInfo{mkNode(1, NodeStatusActive)}
	c := NewCache(reader, 5*time.Millisecond, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	assert.Len(t, c.GetActiveNodeIDs(), 1)

	reader.mu.Lock()
	reader.nodes = append(reader.nodes, mkNode(2, NodeStatusActive))
	reader.mu.Unlock()

	assert.Eventually(t, func() bool {
		return len(c.GetActiveNodeIDs()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	c.Stop()
}
