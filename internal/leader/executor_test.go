package leader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
)

type fakeState struct {
	mu        sync.Mutex
	executing map[ids.MessageID]bool
	completed map[ids.MessageID]bool
	failed    map[ids.MessageID]bool
}

func newFakeState() *fakeState {
	return &fakeState{
		executing: make(map[ids.MessageID]bool),
		completed: make(map[ids.MessageID]bool),
		failed:    make(map[ids.MessageID]bool),
	}
}

func (f *fakeState) SetExecuting(id ids.MessageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed[id] || f.failed[id] {
		return false
	}
	f.executing[id] = true
	return true
}

func (f *fakeState) SetCompleted(id ids.MessageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executing[id] = false
	f.completed[id] = true
	return true
}

func (f *fakeState) SetFailed(id ids.MessageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executing[id] = false
	f.failed[id] = true
	return true
}

func (f *fakeState) IsExecuting(id ids.MessageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executing[id]
}

type fakeBroadcaster struct {
	mu         sync.Mutex
	results    []bool
	takeovers  []uint32
}

func (b *fakeBroadcaster) BroadcastExecutionResult(id ids.MessageID, executor ids.NodeID, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, success)
}

func (b *fakeBroadcaster) BroadcastLeaderTakeover(id ids.MessageID, originalLeader ids.NodeID, backupRank uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.takeovers = append(b.takeovers, backupRank)
}

type fakeAction struct {
	fail  bool
	stall bool
}

func (a *fakeAction) Execute(ctx context.Context, id ids.MessageID) error {
	if a.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	if a.fail {
		return assertErr
	}
	return nil
}

var assertErr = &staticErr{"execution failed"}

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }

func TestExecutor_Dispatch_LeaderSucceeds(t *testing.T) {
	state := newFakeState()
	broadcaster := &fakeBroadcaster{}
	self := mkID(1)
	committee := []ids.NodeID{mkID(1), mkID(2), mkID(3)}

	exec := NewExecutor(self, state, broadcaster, &fakeAction{}, 50*time.Millisecond, nil)

	var id ids.MessageID
	id[0] = 0x01

	exec.Dispatch(context.Background(), id, committee, 1)

	require.Eventually(t, func() bool {
		return state.completed[id]
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(1), exec.Stats.Snapshot().Successful)
}

func TestExecutor_Dispatch_LeaderFails(t *testing.T) {
	state := newFakeState()
	broadcaster := &fakeBroadcaster{}
	committee := []ids.NodeID{mkID(1), mkID(2)}

	leaderID, has, _ := ElectLeader(committee, 5)
	require.True(t, has)

	exec := NewExecutor(leaderID, state, broadcaster, &fakeAction{fail: true}, 50*time.Millisecond, nil)

	var id ids.MessageID
	id[0] = 0x02

	exec.Dispatch(context.Background(), id, committee, 5)

	require.Eventually(t, func() bool {
		return state.failed[id]
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(1), exec.Stats.Snapshot().Failed)
}

func TestExecutor_BackupTakesOverOnTimeout(t *testing.T) {
	committee := []ids.NodeID{mkID(1), mkID(2), mkID(3)}
	leaderID, has, backups := ElectLeader(committee, 9)
	require.True(t, has)
	require.Len(t, backups, 2)

	state := newFakeState()

	var id ids.MessageID
	id[0] = 0x03

	// Manually put the message into Executing, as the (stalled) leader's
	// own executor would have, without running the leader's executor at
	// all — isolating the backup's takeover behavior.
	state.SetExecuting(id)

	backupBroadcaster := &fakeBroadcaster{}
	backupExec := NewExecutor(backups[0], state, backupBroadcaster, &fakeAction{}, 20*time.Millisecond, nil)
	backupExec.Dispatch(context.Background(), id, committee, 9)

	require.Eventually(t, func() bool {
		return state.completed[id]
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []uint32{0}, backupBroadcaster.takeovers)
	assert.Equal(t, uint64(1), backupExec.Stats.Snapshot().Timeout)
	_ = leaderID
}

func TestExecutor_NonCommitteeMemberIsNoop(t *testing.T) {
	committee := []ids.NodeID{mkID(1), mkID(2)}
	state := newFakeState()
	broadcaster := &fakeBroadcaster{}
	exec := NewExecutor(mkID(99), state, broadcaster, &fakeAction{}, 10*time.Millisecond, nil)

	var id ids.MessageID
	id[0] = 0x04
	exec.Dispatch(context.Background(), id, committee, 1)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, state.IsExecuting(id))
	assert.Empty(t, broadcaster.results)
}
