package leader

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
)

// StateAccess is the subset of Gossip State the Executor needs. Defined
// here (rather than imported from internal/gossip) so this package has no
// dependency on the gossip package — gossip.State satisfies this interface
// structurally.
type StateAccess interface {
	SetExecuting(id ids.MessageID) bool
	SetCompleted(id ids.MessageID) bool
	SetFailed(id ids.MessageID) bool
	IsExecuting(id ids.MessageID) bool
}

// Broadcaster is the outbound notification seam the Executor uses to
// announce execution results and backup take-overs, implemented by
// internal/gossip.Engine so this package never constructs a wire envelope
// itself.
type Broadcaster interface {
	BroadcastExecutionResult(id ids.MessageID, executorNodeID ids.NodeID, success bool)
	BroadcastLeaderTakeover(id ids.MessageID, originalLeader ids.NodeID, backupRank uint32)
}

// ActionExecutor runs the platform action for a msg_id once this node is
// designated to execute it. Fatal errors are reported as execution failure
// and are not retried by this node.
type ActionExecutor interface {
	Execute(ctx context.Context, id ids.MessageID) error
}

// Stats mirrors the original node's per-node leader bookkeeping
// (total_leads/successful/timeout/failed/consecutive_timeouts).
type Stats struct {
	mu                  sync.Mutex
	TotalLeads          uint64
	Successful          uint64
	Timeout             uint64
	Failed              uint64
	ConsecutiveTimeouts uint64
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalLeads:          s.TotalLeads,
		Successful:          s.Successful,
		Timeout:             s.Timeout,
		Failed:              s.Failed,
		ConsecutiveTimeouts: s.ConsecutiveTimeouts,
	}
}

func (s *Stats) recordLead() {
	s.mu.Lock()
	s.TotalLeads++
	s.mu.Unlock()
}

func (s *Stats) recordSuccess() {
	s.mu.Lock()
	s.Successful++
	s.ConsecutiveTimeouts = 0
	s.mu.Unlock()
}

func (s *Stats) recordFailed() {
	s.mu.Lock()
	s.Failed++
	s.mu.Unlock()
}

func (s *Stats) recordTimeout() {
	s.mu.Lock()
	s.Timeout++
	s.ConsecutiveTimeouts++
	s.mu.Unlock()
}

// Executor drives execution for the elected Leader and runs the ranked
// backup take-over watch for every other committee member.
type Executor struct {
	Self              ids.NodeID
	State             StateAccess
	Broadcaster       Broadcaster
	Action            ActionExecutor
	ExecutionDeadline time.Duration
	Logger            *zap.Logger
	Stats             Stats
}

// NewExecutor constructs an Executor with the design-default execution
// deadline (10s, within spec.md's O(5-15s) range for Telegram-class
// actions) when deadline <= 0.
func NewExecutor(self ids.NodeID, state StateAccess, broadcaster Broadcaster, action ActionExecutor, deadline time.Duration, logger *zap.Logger) *Executor {
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		Self:              self,
		State:             state,
		Broadcaster:       broadcaster,
		Action:            action,
		ExecutionDeadline: deadline,
		Logger:            logger,
	}
}

// Dispatch is called by the Engine once consensus is reached and the
// committee's leader/backups are known. If this node is the Leader it
// executes immediately; if it holds a backup rank it starts the cascading
// timeout watch for that rank. Nodes outside the committee are no-ops.
func (e *Executor) Dispatch(ctx context.Context, id ids.MessageID, committee []ids.NodeID, sequence uint64) {
	leader, hasLeader, backups := ElectLeader(committee, sequence)
	if !hasLeader {
		return
	}

	if leader == e.Self {
		go e.execute(ctx, id, leader)
		return
	}

	rank := IndexOf(backups, e.Self)
	if rank < 0 {
		return
	}
	go e.watchRank(ctx, id, leader, backups, rank)
}

func (e *Executor) execute(ctx context.Context, id ids.MessageID, executorNodeID ids.NodeID) {
	if !e.State.SetExecuting(id) {
		return
	}
	e.Stats.recordLead()

	dctx, cancel := context.WithTimeout(ctx, e.ExecutionDeadline)
	defer cancel()

	err := e.Action.Execute(dctx, id)
	if err != nil && dctx.Err() == context.DeadlineExceeded {
		// Deadline expiry is not a failure report: the message stays
		// Executing so a backup's watchRank observes it and takes over.
		e.Logger.Warn("leader execution exceeded deadline",
			zap.String("msg_id", id.String()),
			zap.String("executor", executorNodeID.Short()))
		return
	}
	if err != nil {
		e.Stats.recordFailed()
		e.Logger.Warn("leader execution failed",
			zap.String("msg_id", id.String()),
			zap.String("executor", executorNodeID.Short()),
			zap.Error(err))
		e.Broadcaster.BroadcastExecutionResult(id, executorNodeID, false)
		e.State.SetFailed(id)
		return
	}

	e.Stats.recordSuccess()
	e.Broadcaster.BroadcastExecutionResult(id, executorNodeID, true)
	e.State.SetCompleted(id)
}

// watchRank waits until (rank+1) execution deadlines have elapsed — the
// point at which every earlier-ranked node has had its own full execution
// window — then, if the message is still Executing, takes over: broadcasts
// LeaderTakeover and, since this node is backups[rank], executes.
func (e *Executor) watchRank(ctx context.Context, id ids.MessageID, originalLeader ids.NodeID, backups []ids.NodeID, rank int) {
	timer := time.NewTimer(time.Duration(rank+1) * e.ExecutionDeadline)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if !e.State.IsExecuting(id) {
		return
	}

	e.Stats.recordTimeout()
	e.Broadcaster.BroadcastLeaderTakeover(id, originalLeader, uint32(rank))

	newLeader := backups[rank]
	if newLeader != e.Self {
		return
	}

	if rank == len(backups)-1 {
		e.Logger.Warn("last backup taking over, no further retries on exhaustion",
			zap.String("msg_id", id.String()))
	}
	e.execute(ctx, id, newLeader)
}
