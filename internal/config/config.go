// Package config loads jagstore's Configuration record from a TOML file.
// No environment variable governs a correctness-affecting field; only
// operational overrides (log level, lock directory) may be layered in.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Hardening groups the operational toggles layered alongside the core
// record: filesystem permission enforcement, advisory locking, the tamper
// chain, and audit logging.
type Hardening struct {
	EnforcePosixPerms  bool   `toml:"enforce_posix_perms"`
	AdvisoryLocking    bool   `toml:"advisory_locking"`
	TamperChainEnabled bool   `toml:"tamper_chain_enabled"`
	AuditLogEnabled    bool   `toml:"audit_log_enabled"`
	DataOwnerUser      string `toml:"data_owner_user"`
	DataOwnerGroup     string `toml:"data_owner_group"`
	LockDir            string `toml:"lock_dir"`
}

// Configuration is the single record governing one storage root: layout,
// part sizing, compression, encryption, and hardening toggles.
type Configuration struct {
	DBRoot            string             `toml:"db_root"`
	PartRows          int                `toml:"part_rows"`
	ChunkMB           float64            `toml:"chunk_mb"`
	Compression       string             `toml:"compression"`
	CompressionOpts   map[string]any     `toml:"compression_opts"`
	Quantization      map[string]float64 `toml:"quantization"`
	Jagged            []string           `toml:"jagged"`
	EncryptionMode    string             `toml:"encryption_mode"`
	RequireEncryption bool               `toml:"require_encryption"`
	KeyRotationDays   int                `toml:"key_rotation_days"`
	Hardening         Hardening          `toml:"hardening"`
}

// Default returns the record's documented defaults: part_rows=100000,
// chunk_mb=8.0, encryption_mode="none".
func Default() Configuration {
	return Configuration{
		PartRows:       100_000,
		ChunkMB:        8.0,
		EncryptionMode: "none",
		Hardening: Hardening{
			AdvisoryLocking: true,
		},
	}
}

// Load reads and decodes a TOML configuration file, starting from Default
// so any field the file omits keeps its documented default rather than
// zeroing out.
func Load(path string) (Configuration, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Configuration{}, fmt.Errorf("load config %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Configuration{}, fmt.Errorf("load config %q: unknown keys %v", path, undecoded)
	}
	return cfg, nil
}

// ChunkBytes converts ChunkMB to the byte threshold IngestCoordinator
// compares buffered row bytes against.
func (c Configuration) ChunkBytes() int {
	return int(c.ChunkMB * 1024 * 1024)
}
