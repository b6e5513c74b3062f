// Package config loads the executor's tunables from a TOML file, the way
// bor's server package loads its own config (internal/cli/server): a
// DefaultConfig baseline, overridden field by field from whatever the file
// supplies.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config holds every knob the engine, partitioner and sharded orchestrator
// read from outside the block itself.
type Config struct {
	// ConcurrencyLevel is the number of worker goroutines per shard.
	ConcurrencyLevel int `toml:"concurrency_level"`

	// NumShards is the number of independent shards the partitioner splits
	// a block into.
	NumShards int `toml:"num_shards"`

	// DeltaReadShortcut toggles the cached-resolution shortcut path in the
	// multi-version store.
	DeltaReadShortcut bool `toml:"delta_read_shortcut"`

	// ModuleConflictIsFatal controls what happens when a module path
	// read/write conflict is detected: true re-runs the block sequentially
	// and returns its outputs, false surfaces the raw conflict error and
	// leaves retrying to the caller.
	ModuleConflictIsFatal bool `toml:"module_conflict_is_fatal"`

	// MaxBlockGas bounds per-shard gas accounting; a shard that exceeds it
	// discards the remainder of its assigned transactions as Retry.
	MaxBlockGas uint64 `toml:"max_block_gas"`
}

// DefaultConfig returns the baseline configuration used when no file is
// supplied, or as the starting point a loaded file is merged onto.
func DefaultConfig() *Config {
	return &Config{
		ConcurrencyLevel:      8,
		NumShards:             4,
		DeltaReadShortcut:     true,
		ModuleConflictIsFatal: true,
		MaxBlockGas:           30_000_000,
	}
}

// Load reads path as TOML onto a copy of DefaultConfig, so an omitted field
// keeps its default rather than zeroing out.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	return cfg, nil
}
