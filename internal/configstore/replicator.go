package configstore

import (
	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/message"
)

// Replicator adapts a Store to the gossip handlers spec.md §4.5 describes
// for ConfigSync/ConfigPull/ConfigPullResponse traffic. It satisfies
// gossip.ConfigReplicator structurally — this package is never imported by
// internal/gossip.
type Replicator struct {
	Store *Store
}

// NewReplicator wraps store.
func NewReplicator(store *Store) *Replicator {
	return &Replicator{Store: store}
}

// HandleConfigSync applies an unsolicited signed config if it verifies and
// strictly exceeds the locally stored version.
func (r *Replicator) HandleConfigSync(botIDHash [32]byte, cfg message.SignedGroupConfig) error {
	_, err := r.Store.ApplyIfNewer(ids.Hash32(botIDHash), cfg)
	return err
}

// HandleConfigPull returns this node's signed config for botIDHash iff its
// version is strictly greater than the requester's reported currentVersion;
// otherwise it reports nothing, per spec.md's "MAY omit" wording.
func (r *Replicator) HandleConfigPull(botIDHash [32]byte, currentVersion uint64) (*message.SignedGroupConfig, bool) {
	cfg, ok := r.Store.Get(ids.Hash32(botIDHash))
	if !ok || cfg.Config.Version <= currentVersion {
		return nil, false
	}
	return &cfg, true
}

// HandleConfigPullResponse applies the same as HandleConfigSync.
func (r *Replicator) HandleConfigPullResponse(botIDHash [32]byte, cfg *message.SignedGroupConfig) error {
	if cfg == nil {
		return nil
	}
	_, err := r.Store.ApplyIfNewer(ids.Hash32(botIDHash), *cfg)
	return err
}

// Version returns the locally stored config version for botIDHash, or 0 if
// absent, satisfying gossip.ConfigReplicator for startup ConfigPull bootstrap.
func (r *Replicator) Version(botIDHash [32]byte) uint64 {
	return r.Store.Version(ids.Hash32(botIDHash))
}
