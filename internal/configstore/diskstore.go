package configstore

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/lao-sha/cosmos-sub002/internal/ids"
	"github.com/lao-sha/cosmos-sub002/internal/message"
)

// diskRecord is the on-disk JSON shape for one bot's SignedGroupConfig.
type diskRecord struct {
	BotIDHash       string `json:"bot_id_hash"`
	Version         uint64 `json:"version"`
	Policy          []byte `json:"policy"`
	SignerPublicKey string `json:"signer_public_key"`
	Signature       string `json:"signature"`
}

func fileNameFor(botIDHash ids.Hash32) string {
	return hex.EncodeToString(botIDHash[:]) + ".json"
}

// saveAtomic writes cfg to dir/<hex(bot_id_hash)>.json via a temp-file +
// rename, so a crash mid-write never leaves a torn file on the recovery
// path — the same discipline spec.md §6 requires for the config artifact.
func saveAtomic(dir string, botIDHash ids.Hash32, cfg message.SignedGroupConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	rec := diskRecord{
		BotIDHash:       hex.EncodeToString(cfg.Config.BotIDHash[:]),
		Version:         cfg.Config.Version,
		Policy:          cfg.Config.Policy,
		SignerPublicKey: hex.EncodeToString(cfg.SignerPublicKey[:]),
		Signature:       hex.EncodeToString(cfg.Signature[:]),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-config-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	target := filepath.Join(dir, fileNameFor(botIDHash))
	return os.Rename(tmpName, target)
}

// loadAll reads every persisted config under dir, for startup recovery.
func loadAll(dir string) (map[ids.Hash32]message.SignedGroupConfig, error) {
	out := make(map[ids.Hash32]message.SignedGroupConfig)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var rec diskRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}

		var botIDHash ids.Hash32
		if b, err := hex.DecodeString(rec.BotIDHash); err == nil {
			copy(botIDHash[:], b)
		}

		var cfg message.SignedGroupConfig
		cfg.Config.BotIDHash = botIDHash
		cfg.Config.Version = rec.Version
		cfg.Config.Policy = rec.Policy
		if b, err := hex.DecodeString(rec.SignerPublicKey); err == nil {
			copy(cfg.SignerPublicKey[:], b)
		}
		if b, err := hex.DecodeString(rec.Signature); err == nil {
			copy(cfg.Signature[:], b)
		}

		out[botIDHash] = cfg
	}

	return out, nil
}
