// Package config loads process configuration for a consensus node from
// environment variables, in the teacher's plain env-driven Load() style —
// no config file format is introduced; the CAS-protected artifact the spec
// cares about is SignedGroupConfig persistence (internal/configstore), not
// process startup configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for a node process.
type Config struct {
	Node        NodeConfig        `json:"node"`
	Committee   CommitteeConfig   `json:"committee"`
	Leader      LeaderConfig      `json:"leader"`
	ConfigStore ConfigStoreConfig `json:"config_store"`
	NATS        NATSConfig        `json:"nats"`
	Transport   TransportConfig   `json:"transport"`
	Submitter   SubmitterConfig   `json:"submitter"`
	Logging     LoggingConfig     `json:"logging"`
}

// NodeConfig identifies this node and its gossip listen address.
type NodeConfig struct {
	IDHex          string `json:"id_hex"`
	KeyFile        string `json:"key_file"`
	ListenAddress  string `json:"listen_address"`
	HealthGRPCPort int    `json:"health_grpc_port"`
	PeersFile      string `json:"peers_file"`
}

// CommitteeConfig is currently empty: committee selection (internal/committee)
// is a pure function of the active node set and carries no tunables.
type CommitteeConfig struct{}

// LeaderConfig carries the Leader execution deadline, which also paces backup
// take-over ((rank+1) deadlines). TakeoverInterval is loaded but no component
// reads it.
type LeaderConfig struct {
	ExecutionDeadline time.Duration `json:"execution_deadline"`
	TakeoverInterval  time.Duration `json:"takeover_interval"`
}

// ConfigStoreConfig governs where SignedGroupConfig durable state lives.
type ConfigStoreConfig struct {
	Dir string `json:"dir"`
}

// NATSConfig contains NATS connection configuration for internal/nodeclient.
type NATSConfig struct {
	URL            string        `json:"url"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// TransportConfig holds the gossip mesh's dial interval. cmd/node does not
// pass it to internal/transport, whose reconnect loop uses a fixed 5s interval.
type TransportConfig struct {
	DialInterval time.Duration `json:"dial_interval"`
}

// SubmitterConfig governs confirmation batching and chain-submission
// backoff.
type SubmitterConfig struct {
	FlushInterval  time.Duration `json:"flush_interval"`
	BatchSize      int           `json:"batch_size"`
	MaxAttempts    int           `json:"max_attempts"`
	BaseBackoff    time.Duration `json:"base_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `json:"level"`
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Node: NodeConfig{
			IDHex:          getEnv("NODE_ID", ""),
			KeyFile:        getEnv("NODE_KEY_FILE", "node.key"),
			ListenAddress:  getEnv("NODE_LISTEN_ADDRESS", "0.0.0.0:7946"),
			HealthGRPCPort: getEnvInt("NODE_HEALTH_GRPC_PORT", 8080),
			PeersFile:      getEnv("NODE_PEERS_FILE", "peers.json"),
		},
		Leader: LeaderConfig{
			ExecutionDeadline: getEnvDuration("LEADER_EXECUTION_DEADLINE", 10*time.Second),
			TakeoverInterval:  getEnvDuration("LEADER_TAKEOVER_INTERVAL", 15*time.Second),
		},
		ConfigStore: ConfigStoreConfig{
			Dir: getEnv("CONFIG_STORE_DIR", "./data/config"),
		},
		NATS: NATSConfig{
			URL:            getEnv("NATS_URL", "nats://localhost:4222"),
			RequestTimeout: getEnvDuration("NATS_REQUEST_TIMEOUT", 5*time.Second),
		},
		Transport: TransportConfig{
			DialInterval: getEnvDuration("TRANSPORT_DIAL_INTERVAL", 5*time.Second),
		},
		Submitter: SubmitterConfig{
			FlushInterval: getEnvDuration("SUBMITTER_FLUSH_INTERVAL", 5*time.Second),
			BatchSize:     getEnvInt("SUBMITTER_BATCH_SIZE", 100),
			MaxAttempts:   getEnvInt("SUBMITTER_MAX_ATTEMPTS", 5),
			BaseBackoff:   getEnvDuration("SUBMITTER_BASE_BACKOFF", 200*time.Millisecond),
			MaxBackoff:    getEnvDuration("SUBMITTER_MAX_BACKOFF", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
