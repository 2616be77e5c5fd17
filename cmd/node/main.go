package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lao-sha/cosmos-sub002/internal/chaincache"
	"github.com/lao-sha/cosmos-sub002/internal/chainsubmitter"
	"github.com/lao-sha/cosmos-sub002/internal/config"
	"github.com/lao-sha/cosmos-sub002/internal/configstore"
	"github.com/lao-sha/cosmos-sub002/internal/gossip"
	"github.com/lao-sha/cosmos-sub002/internal/healthgrpc"
	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/leader"
	"github.com/lao-sha/cosmos-sub002/internal/message"
	"github.com/lao-sha/cosmos-sub002/internal/nodeclient"
	"github.com/lao-sha/cosmos-sub002/internal/platform"
	"github.com/lao-sha/cosmos-sub002/internal/transport"
	"github.com/lao-sha/cosmos-sub002/pkg/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "node",
	Short: "Consensus node for cross-platform bot moderation actions",
	Long:  "A command-line interface for running a gossip-consensus node that witnesses, agrees on, and executes moderation actions on behalf of bot owners.",
}

var keygenCmd = &cobra.Command{
	Use:   "keygen [path]",
	Short: "Generate a new Ed25519 node key and write it to path",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := args[0]
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			fmt.Printf("failed to generate key: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(path, priv, 0o600); err != nil {
			fmt.Printf("failed to write key file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("node key written to %s\n", path)
		fmt.Printf("public key: %s\n", hex.EncodeToString(pub))
	},
}

var inspectConfigCmd = &cobra.Command{
	Use:   "inspect-config",
	Short: "Print the node's resolved configuration as JSON",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		out, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(out))
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the consensus node",
	Run: func(cmd *cobra.Command, args []string) {
		runNode()
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(inspectConfigCmd)
	rootCmd.AddCommand(startCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// peerBook is the on-disk address book: node id (hex) -> "host:port".
type peerBook map[string]string

func loadPeers(path string) (map[ids.NodeID]string, error) {
	out := make(map[ids.NodeID]string)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	var book peerBook
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, err
	}
	for idHex, addr := range book {
		raw, err := hex.DecodeString(idHex)
		if err != nil || len(raw) != 32 {
			continue
		}
		var id ids.NodeID
		copy(id[:], raw)
		out[id] = addr
	}
	return out, nil
}

func loadNodeKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node key file %s: %w (run 'node keygen %s' first)", path, err, path)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("node key file %s has unexpected length %d, want %d", path, len(data), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(data), nil
}

func parseNodeID(idHex string) (ids.NodeID, error) {
	raw, err := hex.DecodeString(idHex)
	if err != nil || len(raw) != 32 {
		return ids.NodeID{}, fmt.Errorf("NODE_ID must be a 64-character hex string, got %q", idHex)
	}
	var id ids.NodeID
	copy(id[:], raw)
	return id, nil
}

// messageLookup backs platform.AdapterActionExecutor: the Leader Executor
// needs the original SignedMessage by msg_id, which the gossip.State already
// caches, so this just narrows that existing collaborator down to the one
// method the executor actually calls.
type messageLookup struct {
	state *gossip.State
}

func (m messageLookup) lookup(id ids.MessageID) (*message.SignedMessage, bool) {
	return m.state.GetOriginalMessage(id)
}

func runNode() {
	cfg := config.Load()

	zcfg := zap.NewProductionConfig()
	levelErr := zcfg.Level.UnmarshalText([]byte(cfg.Logging.Level))
	logger, err := zcfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	defer logger.Sync()
	if levelErr != nil {
		logger.Warn("unrecognized log level, using info", zap.String("level", cfg.Logging.Level), zap.Error(levelErr))
	}

	self, err := parseNodeID(cfg.Node.IDHex)
	if err != nil {
		logger.Fatal("invalid node id", zap.Error(err))
	}
	nodeKey, err := loadNodeKey(cfg.Node.KeyFile)
	if err != nil {
		logger.Fatal("failed to load node key", zap.Error(err))
	}
	peers, err := loadPeers(cfg.Node.PeersFile)
	if err != nil {
		logger.Fatal("failed to load peer book", zap.Error(err))
	}

	m := metrics.NewMetrics()

	nc, err := nodeclient.Dial(cfg.NATS.URL, cfg.NATS.RequestTimeout, logger)
	if err != nil {
		logger.Fatal("failed to connect to chain gateway", zap.Error(err))
	}
	defer nc.Close()

	cache := chaincache.NewCache(nc, 30*time.Second, 2*time.Minute, logger)

	store := configstore.NewStore(cfg.ConfigStore.Dir, logger)
	if err := store.LoadFromDisk(); err != nil {
		logger.Fatal("failed to load persisted config store", zap.Error(err))
	}
	replicator := configstore.NewReplicator(store)

	submitter := chainsubmitter.NewSubmitter(nc, cfg.Submitter.FlushInterval, cfg.Submitter.BatchSize, logger,
		chainsubmitter.WithRetryPolicy(cfg.Submitter.MaxAttempts, cfg.Submitter.BaseBackoff, cfg.Submitter.MaxBackoff))

	state := gossip.NewState()
	engine := gossip.NewEngine(self, nodeKey, state, logger)
	engine.Cache = cache
	engine.Config = replicator
	engine.Submitter = submitter
	engine.Confirmer = submitter

	actionExecutor := &platform.AdapterActionExecutor{
		Adapter:  platform.NoopAdapter{},
		Messages: messageLookup{state: state}.lookup,
	}
	executor := leader.NewExecutor(self, state, engine, actionExecutor, cfg.Leader.ExecutionDeadline, logger)
	engine.Executor = executor

	wsTransport := transport.NewWebSocketTransport(self, cfg.Node.ListenAddress, peers, engine, cache, logger)
	engine.Transport = wsTransport

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cache.Start(ctx); err != nil {
		logger.Fatal("failed to start chain cache", zap.Error(err))
	}
	defer cache.Stop()

	submitter.Start(ctx)
	defer submitter.Stop()

	if err := wsTransport.Start(); err != nil {
		logger.Fatal("failed to start gossip transport", zap.Error(err))
	}

	// Startup recovery: pull any newer signed config peers may hold for
	// every bot this node already has one cached for.
	for _, botIDHash := range store.Keys() {
		engine.BootstrapConfigPull(botIDHash)
	}

	healthServer := healthgrpc.NewServer(cfg.Node.HealthGRPCPort, logger)
	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error("health gRPC server stopped", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetActiveNodeCount(len(cache.GetActiveNodeIDs()))
				logger.Info("node health check",
					zap.String("self", self.Short()),
					zap.Int("active_nodes", len(cache.GetActiveNodeIDs())),
					zap.Time("timestamp", time.Now()))
			}
		}
	}()

	logger.Info("consensus node started",
		zap.String("self", self.Short()),
		zap.String("listen_address", cfg.Node.ListenAddress))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down consensus node")

	healthServer.SetNotServing()
	healthServer.Stop()

	if err := wsTransport.Stop(); err != nil {
		logger.Warn("gossip transport shutdown error", zap.Error(err))
	}
	cancel()
	wg.Wait()

	logger.Info("consensus node exited gracefully")
}
