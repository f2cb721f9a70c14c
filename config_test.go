package reach

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "reach.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func Test_LoadConfig_Accepts_Comments_And_Trailing_Commas(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
		// Capacity for the staging deployment.
		"max_objects": 4096,
		"max_permanent_objects": 128,
		"parallel_enabled": false, // single-core box
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, int32(4096), cfg.MaxObjects)
	require.Equal(t, int32(128), cfg.MaxPermanentObjects)
	require.False(t, cfg.ParallelEnabled)
}

func Test_LoadConfig_Keeps_Defaults_For_Absent_Fields(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"max_objects": 64}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	def := DefaultConfig()
	require.Equal(t, int32(64), cfg.MaxObjects)
	require.Equal(t, def.AutoAssembleTokenStreams, cfg.AutoAssembleTokenStreams)
	require.Equal(t, def.ProcessWeakReferences, cfg.ProcessWeakReferences)
	require.Equal(t, def.PoolDecayDenominator, cfg.PoolDecayDenominator)
}

func Test_LoadConfig_Fails_On_Missing_File(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.jsonc"))
	require.Error(t, err)
}

func Test_LoadConfig_Fails_On_Malformed_Input(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"max_objects": `)

	_, err := LoadConfig(path)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func Test_Config_Validation_Rejects_Out_Of_Range_Fields(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Config){
		"zero max_objects":            func(c *Config) { c.MaxObjects = 0 },
		"negative max_objects":        func(c *Config) { c.MaxObjects = -1 },
		"negative permanent":          func(c *Config) { c.MaxPermanentObjects = -1 },
		"permanent above max_objects": func(c *Config) { c.MaxPermanentObjects = c.MaxObjects + 1 },
		"negative subtask size":       func(c *Config) { c.MinObjectsPerSubtask = -1 },
		"negative worker count":       func(c *Config) { c.WorkerCount = -1 },
		"negative purge cadence":      func(c *Config) { c.FullPurgeCadence = -1 },
		"negative decay denominator":  func(c *Config) { c.PoolDecayDenominator = -1 },
	}

	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			mut(&cfg)

			_, err := New(cfg)
			require.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func Test_Config_Validation_Fills_Tunable_Defaults(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.WorkerCount = 0
	cfg.MinObjectsPerSubtask = 0
	cfg.PoolDecayDenominator = 0

	require.NoError(t, cfg.validate())

	require.Equal(t, runtime.GOMAXPROCS(0), cfg.WorkerCount)
	require.Equal(t, DefaultConfig().MinObjectsPerSubtask, cfg.MinObjectsPerSubtask)
	require.Equal(t, defaultPoolDecayDenominator, cfg.PoolDecayDenominator)
}
