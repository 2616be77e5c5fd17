// Package committee implements deterministic committee selection: given the
// active node set, a message hash, and a sequence number, every honest node
// derives the identical K-sized target set.
//
// Ported from the original node's select_k/deterministic_select_ids
// (nexus-node gossip engine): same seed derivation, same partial
// Fisher-Yates loop, byte-for-byte.
package committee

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
)

// SelectK returns the committee size for an active set of size n.
//
//	select_k(n) = n                      if n <= 3
//	            = clamp(ceil(2n/3), 3, n) otherwise
func SelectK(n int) int {
	if n <= 0 {
		return 0
	}
	if n <= 3 {
		return n
	}
	k := (n*2 + 2) / 3 // ceil(2n/3)
	if k < 3 {
		k = 3
	}
	if k > n {
		k = n
	}
	return k
}

// DeterministicSelectIDs sorts ids lexicographically, derives a 32-byte seed
// from H(messageHash || sequence_le), then performs a k-step partial
// Fisher-Yates shuffle where the i-th swap index is
// i + (read_u64_le(H(seed || i_le)) mod (n - i)), and returns the first k
// entries. Returns an empty slice for an empty input or k == 0; never
// panics.
func DeterministicSelectIDs(idList []ids.NodeID, messageHash ids.Hash32, sequence uint64, k int) []ids.NodeID {
	n := len(idList)
	if n == 0 || k <= 0 {
		return []ids.NodeID{}
	}
	if k > n {
		k = n
	}

	sorted := ids.SortNodeIDs(idList)
	seed := deriveSeed(messageHash, sequence)

	for i := 0; i < k; i++ {
		remaining := n - i
		idxHash := hashSeedCounter(seed, uint64(i))
		randVal := binary.LittleEndian.Uint64(idxHash[:8])
		j := i + int(randVal%uint64(remaining))
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}

	out := make([]ids.NodeID, k)
	copy(out, sorted[:k])
	return out
}

// deriveSeed computes H(message_hash || sequence_le_u64).
func deriveSeed(messageHash ids.Hash32, sequence uint64) [32]byte {
	var buf [40]byte
	copy(buf[:32], messageHash[:])
	binary.LittleEndian.PutUint64(buf[32:], sequence)
	return sha256.Sum256(buf[:])
}

// hashSeedCounter computes H(seed || i_le_u64).
func hashSeedCounter(seed [32]byte, i uint64) [32]byte {
	var buf [40]byte
	copy(buf[:32], seed[:])
	binary.LittleEndian.PutUint64(buf[32:], i)
	return sha256.Sum256(buf[:])
}
