package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ddpo", cfg.Algorithm)
	assert.Equal(t, int64(42), cfg.Run.Seed)
	assert.Equal(t, 50, cfg.Sample.NumSteps)
	assert.Equal(t, 16, cfg.Tracker.BufferSize)
	assert.Equal(t, 16, cfg.Tracker.MinCount)
	assert.Equal(t, 10, cfg.Run.CheckpointLimit)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		contains string
	}{
		{
			name:     "unknown algorithm",
			mutate:   func(c *Config) { c.Algorithm = "reinforce" },
			contains: "Algorithm",
		},
		{
			name: "sample batch not divisible by train batch",
			mutate: func(c *Config) {
				c.Sample.BatchSize = 6
				c.Train.BatchSize = 4
			},
			contains: "divisible",
		},
		{
			name: "tracker min count beyond buffer",
			mutate: func(c *Config) {
				c.Tracker.MinCount = 32
				c.Tracker.BufferSize = 16
			},
			contains: "min count",
		},
		{
			name:     "timestep fraction above one",
			mutate:   func(c *Config) { c.Train.TimestepFraction = 1.5 },
			contains: "TimestepFraction",
		},
		{
			name:     "timestep fraction zero",
			mutate:   func(c *Config) { c.Train.TimestepFraction = 0 },
			contains: "TimestepFraction",
		},
		{
			name:     "unknown curriculum strategy",
			mutate:   func(c *Config) { c.Curriculum.Strategy = "annealed" },
			contains: "Strategy",
		},
		{
			name: "inverted curriculum thresholds",
			mutate: func(c *Config) {
				c.Curriculum.RaiseAbove = 0.1
				c.Curriculum.LowerBelow = 0.9
			},
			contains: "threshold",
		},
		{
			name: "fixed pace without a pace",
			mutate: func(c *Config) {
				c.Curriculum.Strategy = "fixed-pace"
				c.Curriculum.PaceEvery = 0
			},
			contains: "pace",
		},
		{
			name:     "unknown scorer",
			mutate:   func(c *Config) { c.Scorer.Name = "aesthetic" },
			contains: "Scorer",
		},
		{
			name:     "missing prompts path",
			mutate:   func(c *Config) { c.Prompts.Path = "" },
			contains: "Path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.NotEmpty(t, verrs)
		})
	}
}

func TestValidateReportsAllViolationsAtOnce(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Algorithm = "bogus"
	cfg.Sample.BatchSize = 5
	cfg.Train.BatchSize = 4

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.GreaterOrEqual(t, len(verrs), 2)
}

func TestDerivedValues(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Sample.BatchSize = 8
	cfg.Sample.NumBatchesPerEpoch = 4
	assert.Equal(t, 32, cfg.SamplesPerEpoch())

	cfg.Sample.NumSteps = 50
	cfg.Train.TimestepFraction = 0.5
	assert.Equal(t, 25, cfg.NumTrainTimesteps())

	cfg.Train.TimestepFraction = 0.001
	assert.Equal(t, 1, cfg.NumTrainTimesteps(), "horizon never collapses to zero")
}

func TestFileSourceMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
algorithm: dpok
sample:
  batch_size: 16
train:
  batch_size: 8
  kl_ratio: 0.05
`), 0o644))

	cfg := GetDefaultConfig()
	require.NoError(t, NewFileSource().Load(cfg, []string{path}))

	assert.Equal(t, "dpok", cfg.Algorithm)
	assert.Equal(t, 16, cfg.Sample.BatchSize)
	assert.Equal(t, 8, cfg.Train.BatchSize)
	assert.InDelta(t, 0.05, cfg.Train.KLRatio, 1e-12)

	// Fields the file does not mention keep their defaults.
	assert.Equal(t, 50, cfg.Sample.NumSteps)
	assert.Equal(t, 1.0, cfg.Train.MaxGradNorm)
}

func TestFileSourceSkipsMissingFiles(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, NewFileSource().Load(cfg, []string{"/does/not/exist.yaml"}))
	assert.Equal(t, "ddpo", cfg.Algorithm)
}

func TestFileSourceRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("algorithm: [unclosed"), 0o644))

	err := NewFileSource().Load(GetDefaultConfig(), []string{path})
	assert.Error(t, err)
}

func TestEnvironmentSourceOverrides(t *testing.T) {
	t.Setenv("DIFFTUNE_ALGORITHM", "d3po")
	t.Setenv("DIFFTUNE_RUN_NUM_EPOCHS", "7")
	t.Setenv("DIFFTUNE_SAMPLE_BATCH_SIZE", "32")
	t.Setenv("DIFFTUNE_TRAIN_TIMESTEP_FRACTION", "0.25")
	t.Setenv("DIFFTUNE_TRACKER_ENABLED", "false")
	t.Setenv("DIFFTUNE_CURRICULUM_RAISE_ABOVE", "0.9")
	t.Setenv("DIFFTUNE_SCORER_NAME", "jpeg-incompressibility")

	cfg := GetDefaultConfig()
	require.NoError(t, NewEnvironmentSource().Load(cfg, nil))

	assert.Equal(t, "d3po", cfg.Algorithm)
	assert.Equal(t, 7, cfg.Run.NumEpochs)
	assert.Equal(t, 32, cfg.Sample.BatchSize)
	assert.InDelta(t, 0.25, cfg.Train.TimestepFraction, 1e-12)
	assert.False(t, cfg.Tracker.Enabled)
	assert.InDelta(t, 0.9, cfg.Curriculum.RaiseAbove, 1e-12)
	assert.Equal(t, "jpeg-incompressibility", cfg.Scorer.Name)
}

func TestEnvironmentSourceRejectsBadValues(t *testing.T) {
	t.Setenv("DIFFTUNE_SAMPLE_BATCH_SIZE", "eight")

	err := NewEnvironmentSource().Load(GetDefaultConfig(), nil)
	assert.Error(t, err)
}

func TestEnvironmentSourceIgnoresUnknownKeys(t *testing.T) {
	t.Setenv("DIFFTUNE_SOMETHING_UNRELATED", "1")

	cfg := GetDefaultConfig()
	require.NoError(t, NewEnvironmentSource().Load(cfg, nil))
	assert.Equal(t, "ddpo", cfg.Algorithm)
}

func TestLoadAppliesEnvOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
run:
  num_epochs: 3
sample:
  batch_size: 16
train:
  batch_size: 8
`), 0o644))
	t.Setenv("DIFFTUNE_RUN_NUM_EPOCHS", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Run.NumEpochs, "environment outranks the file")
	assert.Equal(t, 16, cfg.Sample.BatchSize, "file outranks defaults")
}

func TestLoadFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("algorithm: bogus\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)

	var verrs ValidationErrors
	assert.ErrorAs(t, err, &verrs, "validation detail survives the wrap")
}
