// Package nodeclient is the narrow on-chain interface spec.md §6 describes:
// node registry reads, subscription reads, signed-config reads, and
// confirmation/equivocation submission, carried over NATS request-reply —
// the same library and connection idiom cmd/simple-api and cmd/worker use
// to reach the chain-adjacent services in the teacher repo.
package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lao-sha/cosmos-sub002/internal/chaincache"
	"github.com/lao-sha/cosmos-sub002/internal/errors"
	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/message"
)

// Subjects used for the chain-adjacent request/reply and publish traffic.
const (
	SubjectActiveNodes       = "chain.nodes.active"
	SubjectSubscription      = "chain.subscription.get"
	SubjectGroupConfig       = "chain.config.get"
	SubjectSubmitConfirm     = "chain.submit.confirmations"
	SubjectSubmitEquivocation = "chain.submit.equivocation"
)

// Client wraps a NATS connection with the request/reply calls C6's
// refresher and C7's submitter need.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  *zap.Logger
}

// Dial connects to the NATS server at url.
func Dial(url string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: connect to nats: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: nc, timeout: timeout, logger: logger}, nil
}

// Close drains and closes the underlying NATS connection.
func (c *Client) Close() {
	c.nc.Close()
}

type nodeInfoWire struct {
	NodeID     ids.NodeID `json:"node_id"`
	Endpoint   string     `json:"endpoint"`
	PublicKey  [32]byte   `json:"public_key"`
	Status     uint8      `json:"status"`
	Reputation uint16     `json:"reputation"`
}

// GetActiveNodes fetches the full registry's current view over NATS request-
// reply, returning every node regardless of status (the caller/cache filters
// to Active|Probation for committee selection).
func (c *Client) GetActiveNodes(ctx context.Context) ([]chaincache.NodeInfo, error) {
	msg, err := c.nc.RequestWithContext(ctx, SubjectActiveNodes, nil)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: request active nodes: %w", err)
	}
	var wire []nodeInfoWire
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		return nil, errors.NewMalformedEnvelope("active nodes response decode failed", err)
	}
	out := make([]chaincache.NodeInfo, 0, len(wire))
	for _, w := range wire {
		out = append(out, chaincache.NodeInfo{
			NodeID:     w.NodeID,
			Endpoint:   w.Endpoint,
			PublicKey:  w.PublicKey,
			Status:     chaincache.NodeStatus(w.Status),
			Reputation: w.Reputation,
		})
	}
	return out, nil
}

type subscriptionWire struct {
	Status uint8 `json:"status"`
}

// GetSubscription reads a bot's current subscription state.
func (c *Client) GetSubscription(ctx context.Context, botIDHash ids.Hash32) (chaincache.SubscriptionStatus, error) {
	msg, err := c.nc.RequestWithContext(ctx, SubjectSubscription, botIDHash[:])
	if err != nil {
		return 0, fmt.Errorf("nodeclient: request subscription: %w", err)
	}
	var wire subscriptionWire
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		return 0, errors.NewMalformedEnvelope("subscription response decode failed", err)
	}
	return chaincache.SubscriptionStatus(wire.Status), nil
}

type groupConfigWire struct {
	Found           bool   `json:"found"`
	BotIDHash       []byte `json:"bot_id_hash"`
	Version         uint64 `json:"version"`
	Policy          []byte `json:"policy"`
	SignerPublicKey []byte `json:"signer_public_key"`
	Signature       []byte `json:"signature"`
}

// GetGroupConfig reads the chain's mirror of a bot's latest signed config.
// Returns (nil, nil) when the chain has no config on record for this bot.
func (c *Client) GetGroupConfig(ctx context.Context, botIDHash ids.Hash32) (*message.SignedGroupConfig, error) {
	msg, err := c.nc.RequestWithContext(ctx, SubjectGroupConfig, botIDHash[:])
	if err != nil {
		return nil, fmt.Errorf("nodeclient: request group config: %w", err)
	}
	var wire groupConfigWire
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		return nil, errors.NewMalformedEnvelope("group config response decode failed", err)
	}
	if !wire.Found {
		return nil, nil
	}
	var cfg message.SignedGroupConfig
	copy(cfg.Config.BotIDHash[:], wire.BotIDHash)
	cfg.Config.Version = wire.Version
	cfg.Config.Policy = wire.Policy
	copy(cfg.SignerPublicKey[:], wire.SignerPublicKey)
	copy(cfg.Signature[:], wire.Signature)
	return &cfg, nil
}

// ConfirmationEntry is one row of a submit_confirmations batch.
type ConfirmationEntry struct {
	MsgID        ids.MessageID `json:"msg_id"`
	Owner        [32]byte      `json:"owner"`
	Sequence     uint64        `json:"sequence"`
	MsgHash      [32]byte      `json:"msg_hash"`
	ConfirmedBy  []ids.NodeID  `json:"confirmed_by"`
}

// SubmitConfirmations publishes a confirmation batch. NATS publish is
// fire-and-forget at-least-once delivery; the chain dedups by msg_id.
func (c *Client) SubmitConfirmations(ctx context.Context, batch []ConfirmationEntry) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("nodeclient: encode confirmation batch: %w", err)
	}
	if err := c.nc.Publish(SubjectSubmitConfirm, data); err != nil {
		return errors.NewChainSubmissionTransient("publish confirmations failed", err)
	}
	return nil
}

// EquivocationReport is the wire shape for submit_equivocation.
type EquivocationReport struct {
	Owner    [32]byte `json:"owner"`
	BotID    [32]byte `json:"bot_id_hash"`
	Sequence uint64   `json:"sequence"`
	HashA    [32]byte `json:"hash_a"`
	SigA     [64]byte `json:"sig_a"`
	HashB    [32]byte `json:"hash_b"`
	SigB     [64]byte `json:"sig_b"`
}

// SubmitEquivocation publishes a single equivocation report. Promptness
// matters more than batching here, so each report is sent as its own
// message rather than queued with confirmations.
func (c *Client) SubmitEquivocation(ctx context.Context, report EquivocationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("nodeclient: encode equivocation report: %w", err)
	}
	if err := c.nc.Publish(SubjectSubmitEquivocation, data); err != nil {
		return errors.NewChainSubmissionTransient("publish equivocation failed", err)
	}
	return nil
}
