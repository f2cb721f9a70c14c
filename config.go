package reach

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/tailscale/hujson"
)

// Config holds all collector configuration options.
//
// All fields are read once at [New]; changing a Config after the collector
// is constructed has no effect.
type Config struct {
	// MaxObjects is the hard ceiling on total slots in the indexed object
	// table. Exceeding it is fatal ([ErrCapacityExceeded]).
	MaxObjects int32 `json:"max_objects"`

	// MaxPermanentObjects is the size of the disregard-for-GC partition:
	// slots [0, MaxPermanentObjects) are created during initial load and
	// are never traced, never freed.
	MaxPermanentObjects int32 `json:"max_permanent_objects"`

	// MinObjectsPerSubtask is the frontier size below which marking does
	// not spawn parallel subtasks.
	MinObjectsPerSubtask int `json:"min_objects_per_subtask"`

	// ParallelEnabled globally toggles parallel marking. When false,
	// Collect ignores its parallel argument.
	ParallelEnabled bool `json:"parallel_enabled"`

	// WorkerCount is the number of mark workers used in parallel mode.
	// Zero means GOMAXPROCS.
	WorkerCount int `json:"worker_count"`

	// AutoAssembleTokenStreams allows single-threaded marking to assemble
	// a class's token stream on first use. Parallel marking never
	// assembles; an unassembled class there is fatal.
	AutoAssembleTokenStreams bool `json:"auto_assemble_token_streams"`

	// ProcessNoOpTokens interprets the diagnostic no-op opcodes as real
	// references. Intent is diagnostic; keep disabled unless comparing
	// traces.
	ProcessNoOpTokens bool `json:"process_no_op_tokens"`

	// ProcessWeakReferences enables the weak/soft/lazy/delegate opcodes.
	// When disabled those tokens are skipped entirely.
	ProcessWeakReferences bool `json:"process_weak_references"`

	// FullPurgeCadence runs the harsher sweep path (which drops frontier
	// pool memory) every Nth cycle. Zero disables cadence-driven purges;
	// Collect's fullPurge argument still forces one.
	FullPurgeCadence int `json:"full_purge_cadence"`

	// PoolDecayDenominator controls how aggressively a full purge trims
	// retained frontiers: every Nth retained frontier is dropped. Zero
	// means the default (7).
	PoolDecayDenominator int `json:"pool_decay_denominator"`
}

// DefaultConfig returns the default configuration: one million slots, no
// permanent partition, parallel marking enabled, weak processing enabled.
func DefaultConfig() Config {
	return Config{
		MaxObjects:               1 << 20,
		MaxPermanentObjects:      0,
		MinObjectsPerSubtask:     128,
		ParallelEnabled:          true,
		WorkerCount:              0,
		AutoAssembleTokenStreams: true,
		ProcessNoOpTokens:        false,
		ProcessWeakReferences:    true,
		FullPurgeCadence:         0,
		PoolDecayDenominator:     defaultPoolDecayDenominator,
	}
}

// LoadConfig reads a HuJSON (JSON with comments and trailing commas) config
// file and applies it over the defaults. Fields absent from the file keep
// their default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSONC: %v", ErrConfigInvalid, err)
	}

	cfg := DefaultConfig()

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validate checks field ranges and fills tunable defaults.
func (c *Config) validate() error {
	if c.MaxObjects <= 0 || c.MaxObjects > maxConfigObjects {
		return fmt.Errorf("%w: max_objects %d out of range (1..%d)",
			ErrConfigInvalid, c.MaxObjects, maxConfigObjects)
	}

	if c.MaxPermanentObjects < 0 || c.MaxPermanentObjects > c.MaxObjects {
		return fmt.Errorf("%w: max_permanent_objects %d out of range (0..max_objects)",
			ErrConfigInvalid, c.MaxPermanentObjects)
	}

	if c.MinObjectsPerSubtask < 0 {
		return fmt.Errorf("%w: min_objects_per_subtask cannot be negative", ErrConfigInvalid)
	}

	if c.MinObjectsPerSubtask == 0 {
		c.MinObjectsPerSubtask = DefaultConfig().MinObjectsPerSubtask
	}

	if c.WorkerCount < 0 {
		return fmt.Errorf("%w: worker_count cannot be negative", ErrConfigInvalid)
	}

	if c.WorkerCount == 0 {
		c.WorkerCount = runtime.GOMAXPROCS(0)
	}

	if c.FullPurgeCadence < 0 {
		return fmt.Errorf("%w: full_purge_cadence cannot be negative", ErrConfigInvalid)
	}

	if c.PoolDecayDenominator < 0 {
		return fmt.Errorf("%w: pool_decay_denominator cannot be negative", ErrConfigInvalid)
	}

	if c.PoolDecayDenominator == 0 {
		c.PoolDecayDenominator = defaultPoolDecayDenominator
	}

	return nil
}
