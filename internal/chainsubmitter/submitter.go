// Package chainsubmitter implements the Chain Submitter (C7): batched
// confirmation submission and prompt, deduplicated equivocation reporting,
// both protected by bounded exponential backoff on transient chain errors.
package chainsubmitter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lao-sha/cosmos-sub002/internal/errors"
	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/nodeclient"
)

// Backend is the on-chain write surface the submitter drives, satisfied
// structurally by *nodeclient.Client.
type Backend interface {
	SubmitConfirmations(ctx context.Context, batch []nodeclient.ConfirmationEntry) error
	SubmitEquivocation(ctx context.Context, report nodeclient.EquivocationReport) error
}

type equivKey struct {
	owner    [32]byte
	sequence uint64
}

// Submitter batches confirmations on a flush interval/size threshold and
// submits equivocation reports promptly, at most once per (owner, sequence).
type Submitter struct {
	backend Backend
	logger  *zap.Logger

	flushInterval time.Duration
	batchSize     int
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration

	mu      sync.Mutex
	pending []nodeclient.ConfirmationEntry

	equivMu  sync.Mutex
	reported map[equivKey]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Submitter at construction.
type Option func(*Submitter)

// WithRetryPolicy overrides the default retry attempt count and backoff
// delay bounds.
func WithRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(s *Submitter) {
		s.maxAttempts = maxAttempts
		s.baseDelay = baseDelay
		s.maxDelay = maxDelay
	}
}

// NewSubmitter constructs a Submitter. flushInterval and batchSize govern
// confirmation batching; pass batchSize <= 0 to flush on the interval only.
func NewSubmitter(backend Backend, flushInterval time.Duration, batchSize int, logger *zap.Logger, opts ...Option) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	s := &Submitter{
		backend:       backend,
		logger:        logger,
		flushInterval: flushInterval,
		batchSize:     batchSize,
		maxAttempts:   5,
		baseDelay:     200 * time.Millisecond,
		maxDelay:      10 * time.Second,
		reported:      make(map[equivKey]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the periodic flush loop until ctx is cancelled or Stop is
// called.
func (s *Submitter) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.flushLoop(runCtx)
}

// Stop cancels the flush loop, flushes any remaining pending confirmations,
// and waits for the loop to exit.
func (s *Submitter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.flush(context.Background())
}

func (s *Submitter) flushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// AddConfirmation queues one confirmation row; if the pending batch reaches
// batchSize it is flushed immediately rather than waiting for the next tick.
// Satisfies gossip.ConfirmationReporter.
func (s *Submitter) AddConfirmation(msgID ids.MessageID, owner [32]byte, sequence uint64, msgHash [32]byte, confirmedBy []ids.NodeID) {
	entry := nodeclient.ConfirmationEntry{
		MsgID:       msgID,
		Owner:       owner,
		Sequence:    sequence,
		MsgHash:     msgHash,
		ConfirmedBy: confirmedBy,
	}
	s.mu.Lock()
	s.pending = append(s.pending, entry)
	full := s.batchSize > 0 && len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		go s.flush(context.Background())
	}
}

func (s *Submitter) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	err := s.withRetry(ctx, func() error {
		return s.backend.SubmitConfirmations(ctx, batch)
	})
	if err != nil {
		s.logger.Error("confirmation batch permanently rejected, dropping", zap.Int("batch_size", len(batch)), zap.Error(err))
	}
}

// ReportEquivocation submits an equivocation report at most once per
// (owner, sequence), satisfying gossip.EquivocationReporter.
func (s *Submitter) ReportEquivocation(ownerPublicKey, botIDHash [32]byte, sequence uint64, hashA ids.Hash32, sigA [64]byte, hashB ids.Hash32, sigB [64]byte) {
	key := equivKey{owner: ownerPublicKey, sequence: sequence}
	s.equivMu.Lock()
	if s.reported[key] {
		s.equivMu.Unlock()
		return
	}
	s.reported[key] = true
	s.equivMu.Unlock()

	report := nodeclient.EquivocationReport{
		Owner: ownerPublicKey, BotID: botIDHash, Sequence: sequence,
		HashA: hashA, SigA: sigA, HashB: hashB, SigB: sigB,
	}
	go func() {
		ctx := context.Background()
		if err := s.withRetry(ctx, func() error {
			return s.backend.SubmitEquivocation(ctx, report)
		}); err != nil {
			s.logger.Error("equivocation report permanently rejected, dropping",
				zap.String("owner", ids.Hash32(ownerPublicKey).String()), zap.Uint64("sequence", sequence), zap.Error(err))
		}
	}()
}

// withRetry retries fn on transient chain errors with bounded exponential
// backoff paced by a rate.Limiter; it gives up immediately on a permanent
// rejection (the chain is the source of truth on those).
func (s *Submitter) withRetry(ctx context.Context, fn func() error) error {
	delay := s.baseDelay
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, errors.KindChainSubmissionTransient) {
			return err
		}
		s.logger.Warn("transient chain submission error, backing off", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		if werr := backoffWait(ctx, delay); werr != nil {
			return werr
		}
		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
	return lastErr
}

// backoffWait blocks for approximately delay, paced by a rate.Limiter: the
// limiter's single burst token is drained immediately so the following Wait
// blocks for the configured emission interval.
func backoffWait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	limiter.Allow()
	return limiter.Wait(ctx)
}
