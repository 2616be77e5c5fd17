// Package leader implements the Leader Executor (C4): deterministic leader
// election, the execution dispatch for the elected Leader, and the ranked
// backup take-over loop on Leader timeout.
package leader

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
)

// ElectLeader computes rank_i = H(id_i || sequence_le) for every committee
// member, sorts ascending by rank, and returns the smallest as Leader with
// the rest as ordered backups. Deterministic and independently computable
// by every node given the same committee and sequence. An empty committee
// returns hasLeader=false.
func ElectLeader(committee []ids.NodeID, sequence uint64) (leader ids.NodeID, hasLeader bool, backups []ids.NodeID) {
	if len(committee) == 0 {
		return ids.NodeID{}, false, nil
	}

	type ranked struct {
		id   ids.NodeID
		rank [32]byte
	}
	ranks := make([]ranked, len(committee))
	for i, id := range committee {
		ranks[i] = ranked{id: id, rank: rankOf(id, sequence)}
	}

	sort.Slice(ranks, func(i, j int) bool {
		for b := range ranks[i].rank {
			if ranks[i].rank[b] != ranks[j].rank[b] {
				return ranks[i].rank[b] < ranks[j].rank[b]
			}
		}
		return false
	})

	leader = ranks[0].id
	hasLeader = true
	backups = make([]ids.NodeID, 0, len(ranks)-1)
	for _, r := range ranks[1:] {
		backups = append(backups, r.id)
	}
	return leader, hasLeader, backups
}

func rankOf(id ids.NodeID, sequence uint64) [32]byte {
	var buf [40]byte
	copy(buf[:32], id[:])
	binary.LittleEndian.PutUint64(buf[32:], sequence)
	return sha256.Sum256(buf[:])
}

// IndexOf returns the position of self within backups, or -1 if absent.
func IndexOf(backups []ids.NodeID, self ids.NodeID) int {
	for i, id := range backups {
		if id == self {
			return i
		}
	}
	return -1
}
