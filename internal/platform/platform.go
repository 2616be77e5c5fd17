// Package platform defines the two-method adapter boundary between the
// consensus core and platform-specific update sources (Telegram webhook
// parsing, Discord gateway decoding). Per Design Note 2, the core never
// imports platform-specific symbols: concrete adapters live entirely
// outside this module and are wired in at cmd/node construction time.
package platform

import (
	"context"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/message"
)

// ActionContext is the normalized description of the action a Leader must
// execute, built by Adapter.BuildContext from the agreed SignedMessage.
type ActionContext struct {
	BotIDHash   [32]byte
	MessageHash [32]byte
	Payload     []byte
}

// Adapter is implemented by each platform-specific collaborator. The core
// calls BuildContext once consensus is reached, then DetermineAction to
// obtain the concrete side effect to run.
type Adapter interface {
	BuildContext(ctx context.Context, msg *message.SignedMessage) (ActionContext, error)
	DetermineAction(ctx context.Context, actionCtx ActionContext) error
}

// NoopAdapter is a platform.Adapter that performs no side effect; it exists
// so cmd/node can run a complete consensus core without a concrete platform
// wired in (e.g. for local evaluation or before an operator attaches a real
// Telegram/Discord adapter).
type NoopAdapter struct{}

func (NoopAdapter) BuildContext(ctx context.Context, msg *message.SignedMessage) (ActionContext, error) {
	return ActionContext{
		BotIDHash:   msg.BotIDHash,
		MessageHash: msg.MessageHash,
	}, nil
}

func (NoopAdapter) DetermineAction(ctx context.Context, actionCtx ActionContext) error {
	return nil
}

// AdapterActionExecutor adapts an Adapter plus a message lookup function
// into the leader.ActionExecutor interface the Executor drives.
type AdapterActionExecutor struct {
	Adapter  Adapter
	Messages func(id ids.MessageID) (*message.SignedMessage, bool)
}

func (a *AdapterActionExecutor) Execute(ctx context.Context, id ids.MessageID) error {
	msg, ok := a.Messages(id)
	if !ok {
		return errNoOriginal
	}
	actionCtx, err := a.Adapter.BuildContext(ctx, msg)
	if err != nil {
		return err
	}
	return a.Adapter.DetermineAction(ctx, actionCtx)
}

type noOriginalError struct{}

func (noOriginalError) Error() string { return "platform: no cached original message for msg_id" }

var errNoOriginal = noOriginalError{}
