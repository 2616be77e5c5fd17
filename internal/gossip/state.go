package gossip

import (
	"sync"
	"time"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
)

// entry wraps one MessageState behind its own mutex, giving per-msg_id
// linearizability without a single global lock on the hot path — the same
// sharding discipline the teacher's broker uses for per-subscription state.
type entry struct {
	mu    sync.Mutex
	state MessageState
}

// State is the Gossip State (C2): the exclusive owner of every
// MessageState. A top-level RWMutex guards the shard map itself (entry
// creation/lookup); each entry's own mutex guards its fields.
type State struct {
	mu      sync.RWMutex
	entries map[MessageID]*entry
}

// NewState constructs an empty Gossip State.
func NewState() *State {
	return &State{entries: make(map[MessageID]*entry)}
}

func (s *State) getOrCreate(id MessageID) *entry {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[id]; ok {
		return e
	}
	e = &entry{state: MessageState{
		Status:         StatusNew,
		Seen:           make(map[ids.NodeID][32]byte),
		OriginalByHash: make(map[ids.Hash32]*SignedMessage),
		CreatedAt:      time.Now(),
		LastActivity:   time.Now(),
	}}
	s.entries[id] = e
	return e
}

func (s *State) get(id MessageID) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// OnAgentMessage transitions status New -> Received, caches the original,
// and records the committee assignment. Idempotent: a repeat call is a
// no-op unless the stored status is still New.
func (s *State) OnAgentMessage(id MessageID, msg *SignedMessage, targets []ids.NodeID, leader ids.NodeID, hasLeader bool, backups []ids.NodeID) {
	e := s.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status != StatusNew {
		return
	}
	e.state.Status = StatusReceived
	e.state.Original = msg
	e.state.Targets = targets
	e.state.Leader = leader
	e.state.HasLeader = hasLeader
	e.state.Backups = backups
	e.state.LastActivity = time.Now()
	if e.state.OriginalByHash == nil {
		e.state.OriginalByHash = make(map[ids.Hash32]*SignedMessage)
	}
	e.state.OriginalByHash[ids.Hash32(msg.MessageHash)] = msg
}

// OnAgentMessageFromPull has the same effect as OnAgentMessage but is
// triggered by a PullResponse: it preserves any Seen entries recorded
// before the original arrived.
func (s *State) OnAgentMessageFromPull(id MessageID, msg *SignedMessage, targets []ids.NodeID, leader ids.NodeID, hasLeader bool, backups []ids.NodeID) {
	s.OnAgentMessage(id, msg, targets, leader, hasLeader, backups)
}

// OnSeen records a sighting. needsPull is true the first time this node's
// report arrives and the original is not yet cached (status still New).
// Two kinds of disagreement feed the conflict index: the same node
// reassigning its own report to a different hash, and two different nodes
// reporting different hashes for the same msg_id — the latter being the
// ordinary shape of an owner equivocating between platform deliveries.
// Either way the earlier entry is preserved as fact, never overwritten
// silently.
func (s *State) OnSeen(id MessageID, node ids.NodeID, reportedHash [32]byte) (newStatus Status, needsPull bool) {
	e := s.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.LastActivity = time.Now()

	if prior, existed := e.state.Seen[node]; existed {
		if prior != reportedHash {
			recordConflict(&e.state, prior, reportedHash)
		}
		return e.state.Status, false
	}

	needsPull = e.state.Status == StatusNew

	switch {
	case e.state.Original != nil:
		if e.state.Original.MessageHash != reportedHash {
			recordConflict(&e.state, e.state.Original.MessageHash, reportedHash)
		}
	case e.state.FirstSeenHash != nil:
		if *e.state.FirstSeenHash != reportedHash {
			recordConflict(&e.state, *e.state.FirstSeenHash, reportedHash)
		}
	default:
		h := reportedHash
		e.state.FirstSeenHash = &h
	}

	e.state.Seen[node] = reportedHash
	return e.state.Status, needsPull
}

// recordConflict stores the two distinct hashes deterministically ordered
// (lexicographically smaller first) so every honest observer derives the
// same pair regardless of arrival order.
func recordConflict(ms *MessageState, a, b [32]byte) {
	if ms.ConflictPair != nil {
		return
	}
	ha, hb := ids.Hash32(a), ids.Hash32(b)
	if hashLess(hb, ha) {
		ha, hb = hb, ha
	}
	ms.ConflictPair = &ConflictPair{HashA: ha, HashB: hb}
}

func hashLess(a, b ids.Hash32) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// AddVote appends into votes, deduplicating by voter.
func (s *State) AddVote(id MessageID, vote DecisionVote) {
	e := s.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, v := range e.state.Votes {
		if v.NodeID == vote.NodeID {
			e.state.Votes[i] = vote
			return
		}
	}
	e.state.Votes = append(e.state.Votes, vote)
}

// CheckConsensus computes M = ceil(2K/3) clamped to [1, K] over K =
// |targets|, and reached = count of targets whose seen hash equals the
// cached original's message_hash, is >= M.
func (s *State) CheckConsensus(id MessageID) (reached bool, seenCount int, m int) {
	e, ok := s.get(id)
	if !ok {
		return false, 0, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Original == nil {
		return false, 0, 0
	}
	k := len(e.state.Targets)
	if k == 0 {
		return false, 0, 0
	}
	m = (k*2 + 2) / 3
	if m < 1 {
		m = 1
	}
	if m > k {
		m = k
	}

	want := e.state.Original.MessageHash
	count := 0
	for _, target := range e.state.Targets {
		if hash, ok := e.state.Seen[target]; ok && hash == want {
			count++
		}
	}
	return count >= m, count, m
}

// HasConflictingHashes returns the conflicting pair recorded for this
// msg_id, if any.
func (s *State) HasConflictingHashes(id MessageID) (ConflictPair, bool) {
	e, ok := s.get(id)
	if !ok {
		return ConflictPair{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.ConflictPair == nil {
		return ConflictPair{}, false
	}
	return *e.state.ConflictPair, true
}

// transition applies a one-shot forward-only status change: later identical
// calls are no-ops; contradictory (out-of-order) transitions are rejected.
func (s *State) transition(id MessageID, target Status) bool {
	e, ok := s.get(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status == target {
		return true
	}
	if e.state.Status.rank() > target.rank() {
		return false
	}
	if e.state.Status == StatusCompleted || e.state.Status == StatusFailed {
		return false
	}
	e.state.Status = target
	e.state.LastActivity = time.Now()
	return true
}

// TrySetConsensusReached performs a one-shot threshold test-and-set: it
// returns true exactly once per msg_id, the first time status crosses into
// ConsensusReached or beyond, and false on every later call (including once
// status has since advanced to Executing/Completed/Failed). Used to queue
// exactly one confirmation row per msg_id regardless of how many further
// Seen/PullResponse envelopes keep the consensus predicate satisfied.
func (s *State) TrySetConsensusReached(id MessageID) bool {
	e := s.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status.rank() >= StatusConsensusReached.rank() {
		return false
	}
	e.state.Status = StatusConsensusReached
	e.state.LastActivity = time.Now()
	return true
}

// SetExecuting marks the msg_id Executing.
func (s *State) SetExecuting(id MessageID) bool { return s.transition(id, StatusExecuting) }

// SetCompleted marks the msg_id Completed.
func (s *State) SetCompleted(id MessageID) bool { return s.transition(id, StatusCompleted) }

// SetFailed marks the msg_id Failed.
func (s *State) SetFailed(id MessageID) bool { return s.transition(id, StatusFailed) }

// IsExecuting reports whether id is currently in the Executing status,
// satisfying leader.StateAccess for the backup take-over watch.
func (s *State) IsExecuting(id MessageID) bool {
	e, ok := s.get(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Status == StatusExecuting
}

// CacheAlternate records a SignedMessage variant recovered for id under its
// own message_hash, without touching Status/Original/Targets. Used when a
// PullResponse returns a hash that conflicts with the cached Original —
// evidence needed to populate an EquivocationAlert with both owner
// signatures.
func (s *State) CacheAlternate(id MessageID, msg *SignedMessage) {
	e := s.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.OriginalByHash == nil {
		e.state.OriginalByHash = make(map[ids.Hash32]*SignedMessage)
	}
	e.state.OriginalByHash[ids.Hash32(msg.MessageHash)] = msg
}

// GetCachedByHash returns the SignedMessage variant cached for id under the
// given message_hash, if this node has seen it.
func (s *State) GetCachedByHash(id MessageID, hash ids.Hash32) (*SignedMessage, bool) {
	e, ok := s.get(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	msg, ok := e.state.OriginalByHash[hash]
	return msg, ok
}

// TryRaiseAlert performs a one-shot test-and-set on the per-id alert flag,
// so a detecting node broadcasts at most one EquivocationAlert per msg_id
// even as further conflicting Seen/PullResponse traffic arrives.
func (s *State) TryRaiseAlert(id MessageID) bool {
	e := s.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.AlertRaised {
		return false
	}
	e.state.AlertRaised = true
	return true
}

// GetOriginalMessage returns the cached original, if any.
func (s *State) GetOriginalMessage(id MessageID) (*SignedMessage, bool) {
	e, ok := s.get(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Original, e.state.Original != nil
}

// GetStatus returns the current status.
func (s *State) GetStatus(id MessageID) (Status, bool) {
	e, ok := s.get(id)
	if !ok {
		return StatusNew, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Status, true
}

// GetLeader returns the assigned leader and ordered backups.
func (s *State) GetLeader(id MessageID) (leader ids.NodeID, hasLeader bool, backups []ids.NodeID, ok bool) {
	e, exists := s.get(id)
	if !exists {
		return ids.NodeID{}, false, nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Leader, e.state.HasLeader, e.state.Backups, true
}

// GetTargets returns the committee assigned to id.
func (s *State) GetTargets(id MessageID) ([]ids.NodeID, bool) {
	e, ok := s.get(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Targets, true
}

// Snapshot returns a shallow copy of the current MessageState, for
// diagnostics and tests; it never exposes the live entry.
func (s *State) Snapshot(id MessageID) (MessageState, bool) {
	e, ok := s.get(id)
	if !ok {
		return MessageState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.state
	cp.Seen = make(map[ids.NodeID][32]byte, len(e.state.Seen))
	for k, v := range e.state.Seen {
		cp.Seen[k] = v
	}
	return cp, true
}
