package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "0.0.0.0:7946", cfg.Node.ListenAddress)
	assert.Equal(t, 10*time.Second, cfg.Leader.ExecutionDeadline)
	assert.Equal(t, 100, cfg.Submitter.BatchSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("NODE_LISTEN_ADDRESS", "127.0.0.1:9000")
	os.Setenv("SUBMITTER_BATCH_SIZE", "250")
	os.Setenv("LEADER_EXECUTION_DEADLINE", "2s")
	defer os.Unsetenv("NODE_LISTEN_ADDRESS")
	defer os.Unsetenv("SUBMITTER_BATCH_SIZE")
	defer os.Unsetenv("LEADER_EXECUTION_DEADLINE")

	cfg := Load()
	assert.Equal(t, "127.0.0.1:9000", cfg.Node.ListenAddress)
	assert.Equal(t, 250, cfg.Submitter.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Leader.ExecutionDeadline)
}
