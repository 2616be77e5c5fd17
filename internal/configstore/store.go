// Package configstore implements the Config Replicator (C5): a CAS-versioned
// per-bot SignedGroupConfig store with durable, atomically-rewritten disk
// persistence and the gossip handlers that keep every honest node converging
// on the highest version any of them has observed.
package configstore

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lao-sha/cosmos-sub002/internal/errors"
	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/message"
	"github.com/lao-sha/cosmos-sub002/internal/signing"
)

type record struct {
	cfg   message.SignedGroupConfig
	owner [32]byte // pinned signer public key, fixed at first write
}

// Store holds one SignedGroupConfig per bot_id_hash, CAS-protected on write
// and durably persisted to a directory of one-file-per-bot atomic rewrites
// when Dir is non-empty.
type Store struct {
	mu      sync.RWMutex
	entries map[ids.Hash32]*record
	dir     string
	logger  *zap.Logger
}

// NewStore constructs an empty Store. dir, if non-empty, is the directory
// atomic writes land in; pass "" for an in-memory-only store (tests).
func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries: make(map[ids.Hash32]*record),
		dir:     dir,
		logger:  logger,
	}
}

// LoadFromDisk populates the Store from whatever was previously persisted,
// for use at node startup before any gossip traffic is processed.
func (s *Store) LoadFromDisk() error {
	if s.dir == "" {
		return nil
	}
	loaded, err := loadAll(s.dir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, cfg := range loaded {
		var owner [32]byte
		copy(owner[:], cfg.SignerPublicKey[:])
		s.entries[hash] = &record{cfg: cfg, owner: owner}
	}
	return nil
}

// Get returns a clone of the stored config for botIDHash, if any.
func (s *Store) Get(botIDHash ids.Hash32) (message.SignedGroupConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.entries[botIDHash]
	if !ok {
		return message.SignedGroupConfig{}, false
	}
	return r.cfg, true
}

// Keys returns every bot_id_hash currently held, for startup config-pull
// bootstrap (cmd/node broadcasts a ConfigPull for each on launch).
func (s *Store) Keys() []ids.Hash32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ids.Hash32, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// Version returns the stored version for botIDHash, or 0 if absent.
func (s *Store) Version(botIDHash ids.Hash32) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.entries[botIDHash]
	if !ok {
		return 0
	}
	return r.cfg.Config.Version
}

// verify checks that cfg's signature covers the canonical encoding of its
// own config under its claimed SignerPublicKey.
func verify(cfg message.SignedGroupConfig) bool {
	payload := signing.EncodeGroupConfig(cfg.Config.BotIDHash, cfg.Config.Version, cfg.Config.Policy)
	return signing.Verify(cfg.SignerPublicKey[:], payload, cfg.Signature)
}

// CompareAndSwap applies cfg iff: the signature verifies, the signer matches
// the owner pinned on first write (if any), and expectedVersion matches the
// version currently on record (0 meaning "no entry yet"). On a CAS conflict
// it returns a *errors.ConsensusError carrying the observed current version,
// per spec.md's "caller decides to retry" contract — the strictly-increasing
// invariant over stored versions holds regardless of interleaving.
func (s *Store) CompareAndSwap(botIDHash ids.Hash32, expectedVersion uint64, cfg message.SignedGroupConfig) error {
	if cfg.Config.BotIDHash != botIDHash {
		return errors.NewMalformedEnvelope("signed config bot_id_hash does not match key", nil)
	}
	if !verify(cfg) {
		return errors.NewMalformedEnvelope("signed config signature verification failed", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.entries[botIDHash]
	var currentVersion uint64
	if exists {
		currentVersion = current.cfg.Config.Version
		if current.owner != cfg.SignerPublicKey {
			return errors.NewMalformedEnvelope("signed config signer does not match pinned owner", nil).
				WithDetail("bot_id_hash", botIDHash.String())
		}
	}
	if expectedVersion != currentVersion {
		return errors.NewConfigCASConflict("expected_version does not match stored version", currentVersion)
	}
	if cfg.Config.Version <= currentVersion {
		return errors.NewConfigCASConflict("new version must strictly exceed stored version", currentVersion)
	}

	return s.commit(botIDHash, cfg)
}

// ApplyIfNewer applies cfg unconditionally (no caller-supplied
// expected_version) when its signature verifies, its signer matches any
// pinned owner, and its version strictly exceeds what is stored. This is the
// gossip-path entry point (ConfigSync / ConfigPullResponse), as opposed to
// CompareAndSwap's direct-write path.
func (s *Store) ApplyIfNewer(botIDHash ids.Hash32, cfg message.SignedGroupConfig) (applied bool, err error) {
	if cfg.Config.BotIDHash != botIDHash {
		return false, errors.NewMalformedEnvelope("signed config bot_id_hash does not match key", nil)
	}
	if !verify(cfg) {
		return false, errors.NewMalformedEnvelope("signed config signature verification failed", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.entries[botIDHash]
	if exists {
		if current.owner != cfg.SignerPublicKey {
			return false, errors.NewMalformedEnvelope("signed config signer does not match pinned owner", nil).
				WithDetail("bot_id_hash", botIDHash.String())
		}
		if cfg.Config.Version <= current.cfg.Config.Version {
			return false, nil
		}
	}

	return true, s.commit(botIDHash, cfg)
}

// commit must be called with s.mu held.
func (s *Store) commit(botIDHash ids.Hash32, cfg message.SignedGroupConfig) error {
	var owner [32]byte
	copy(owner[:], cfg.SignerPublicKey[:])
	s.entries[botIDHash] = &record{cfg: cfg, owner: owner}

	if s.dir == "" {
		return nil
	}
	if err := saveAtomic(s.dir, botIDHash, cfg); err != nil {
		s.logger.Error("config persist failed", zap.String("bot_id_hash", botIDHash.String()), zap.Error(err))
		return err
	}
	return nil
}
