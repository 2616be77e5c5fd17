package chaincache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/message"
)

// ChainReader is the subset of nodeclient.Client the cache's background
// refresher and on-demand reads depend on, declared locally so this package
// never imports nodeclient (nodeclient imports chaincache for its NodeInfo
// return type; the dependency runs one way).
type ChainReader interface {
	GetActiveNodes(ctx context.Context) ([]NodeInfo, error)
	GetSubscription(ctx context.Context, botIDHash ids.Hash32) (SubscriptionStatus, error)
	GetGroupConfig(ctx context.Context, botIDHash ids.Hash32) (*message.SignedGroupConfig, error)
}

type subEntry struct {
	status    SubscriptionStatus
	fetchedAt time.Time
}

type configEntry struct {
	cfg       message.SignedGroupConfig
	fetchedAt time.Time
}

// Cache is the read-through Chain Cache (C6). The node registry view is
// refreshed wholesale on a fixed interval and swapped in atomically;
// subscription and config reads are fetched lazily on cache miss/staleness,
// matching spec.md's "bounded lag, not chain-linear consistency" model.
type Cache struct {
	reader ChainReader
	logger *zap.Logger

	interval time.Duration
	staleTTL time.Duration

	snap atomic.Pointer[snapshot]

	mu          sync.Mutex
	subCache    map[ids.Hash32]subEntry
	configCache map[ids.Hash32]configEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache constructs a Cache. interval governs the background node-list
// refresh; staleTTL governs how long a lazily-fetched subscription/config
// entry is served from cache before the next read re-fetches it.
func NewCache(reader ChainReader, interval, staleTTL time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleTTL <= 0 {
		staleTTL = 30 * time.Second
	}
	c := &Cache{
		reader:      reader,
		logger:      logger,
		interval:    interval,
		staleTTL:    staleTTL,
		subCache:    make(map[ids.Hash32]subEntry),
		configCache: make(map[ids.Hash32]configEntry),
	}
	c.snap.Store(emptySnapshot())
	return c
}

// Start performs an initial synchronous refresh, then runs the periodic
// refresher until ctx is cancelled or Stop is called.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.refreshNodes(ctx); err != nil {
		c.logger.Warn("initial chain cache refresh failed, starting with an empty node set", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.refreshLoop(runCtx)
	return nil
}

// Stop cancels the background refresher and waits for it to exit.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.refreshNodes(ctx); err != nil {
				c.logger.Warn("chain cache node refresh failed, serving stale snapshot", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cache) refreshNodes(ctx context.Context) error {
	nodes, err := c.reader.GetActiveNodes(ctx)
	if err != nil {
		return err
	}

	next := &snapshot{
		nodes:         make(map[ids.NodeID]NodeInfo, len(nodes)),
		subscriptions: c.snap.Load().subscriptions,
		configs:       c.snap.Load().configs,
	}
	var active []ids.NodeID
	for _, n := range nodes {
		next.nodes[n.NodeID] = n
		if n.Status == NodeStatusActive || n.Status == NodeStatusProbation {
			active = append(active, n.NodeID)
		}
	}
	next.activeIDs = ids.SortNodeIDs(active)

	c.snap.Store(next)
	return nil
}

// GetActiveNodeIDs returns the sorted list of node IDs whose status is
// Active or Probation, satisfying gossip.CacheReader for committee
// selection.
func (c *Cache) GetActiveNodeIDs() []ids.NodeID {
	return c.snap.Load().activeIDs
}

// GetNodeInfo returns the cached registry entry for id, used by the
// transport to authenticate gossip senders.
func (c *Cache) GetNodeInfo(id ids.NodeID) (NodeInfo, bool) {
	info, ok := c.snap.Load().nodes[id]
	return info, ok
}

// GetPublicKey is a narrow projection of GetNodeInfo for callers (the
// transport) that only need the Ed25519 key used to verify a sender's
// gossip signature.
func (c *Cache) GetPublicKey(id ids.NodeID) ([32]byte, bool) {
	info, ok := c.snap.Load().nodes[id]
	return info.PublicKey, ok
}

// GetConfigVersion returns the locally cached config version for botIDHash,
// or 0 if unknown. Synchronous and non-blocking, satisfying
// gossip.CacheReader — it never triggers a network read; GetGroupConfig
// does that.
func (c *Cache) GetConfigVersion(botIDHash [32]byte) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.configCache[ids.Hash32(botIDHash)]; ok {
		return e.cfg.Config.Version
	}
	return 0
}

// GetGroupConfig returns the chain's mirror of botIDHash's latest signed
// config, read-through with a staleTTL-bounded cache.
func (c *Cache) GetGroupConfig(ctx context.Context, botIDHash ids.Hash32) (*message.SignedGroupConfig, error) {
	c.mu.Lock()
	if e, ok := c.configCache[botIDHash]; ok && time.Since(e.fetchedAt) < c.staleTTL {
		c.mu.Unlock()
		cfg := e.cfg
		return &cfg, nil
	}
	c.mu.Unlock()

	cfg, err := c.reader.GetGroupConfig(ctx, botIDHash)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}
	c.mu.Lock()
	c.configCache[botIDHash] = configEntry{cfg: *cfg, fetchedAt: time.Now()}
	c.mu.Unlock()
	return cfg, nil
}

// ApplySignedConfig pushes a config directly into the cache's mirror,
// bypassing the chain round-trip — used when a locally-accepted gossip
// config update (via internal/configstore) should be immediately visible
// through C6 without waiting for the next periodic chain poll.
func (c *Cache) ApplySignedConfig(cfg message.SignedGroupConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ids.Hash32(cfg.Config.BotIDHash)
	if existing, ok := c.configCache[key]; ok && existing.cfg.Config.Version >= cfg.Config.Version {
		return
	}
	c.configCache[key] = configEntry{cfg: cfg, fetchedAt: time.Now()}
}

// GetSubscriptionState returns botIDHash's subscription status, read-through
// with a staleTTL-bounded cache.
func (c *Cache) GetSubscriptionState(ctx context.Context, botIDHash ids.Hash32) (SubscriptionStatus, error) {
	c.mu.Lock()
	if e, ok := c.subCache[botIDHash]; ok && time.Since(e.fetchedAt) < c.staleTTL {
		c.mu.Unlock()
		return e.status, nil
	}
	c.mu.Unlock()

	status, err := c.reader.GetSubscription(ctx, botIDHash)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.subCache[botIDHash] = subEntry{status: status, fetchedAt: time.Now()}
	c.mu.Unlock()
	return status, nil
}
