package config

// Config is the complete configuration for one training run.
type Config struct {
	// Run identity, logging, and checkpoint cadence
	Run RunConfig `yaml:"run" validate:"required"`

	// Update rule selector
	Algorithm string `yaml:"algorithm" validate:"required,oneof=ddpo d3po dpok"`

	// Prompt ladder location
	Prompts PromptsConfig `yaml:"prompts" validate:"required"`

	// Rollout collection parameters
	Sample SampleConfig `yaml:"sample" validate:"required"`

	// Policy update parameters
	Train TrainConfig `yaml:"train" validate:"required"`

	// Per-prompt reward baseline
	Tracker TrackerConfig `yaml:"tracker,omitempty"`

	// Difficulty controller
	Curriculum CurriculumConfig `yaml:"curriculum" validate:"required"`

	// Reward scorer selection
	Scorer ScorerConfig `yaml:"scorer" validate:"required"`

	// Metric and image sinks
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// RunConfig identifies the run and controls its lifecycle.
type RunConfig struct {
	// Run name; generated from a UUID when empty
	Name string `yaml:"name,omitempty"`

	// Base seed; each worker offsets it by its rank
	Seed int64 `yaml:"seed"`

	// Directory that receives checkpoints, logs, and telemetry
	OutDir string `yaml:"out_dir" validate:"required"`

	// Log level (DEBUG, INFO, WARN, ERROR, FATAL)
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR FATAL"`

	// Optional JSON log file path
	LogFile string `yaml:"log_file,omitempty"`

	// Number of outer epochs to run
	NumEpochs int `yaml:"num_epochs" validate:"min=1"`

	// Checkpoint every N epochs; 0 saves only at the end
	SaveFreq int `yaml:"save_freq" validate:"min=0"`

	// Maximum number of checkpoints retained on disk
	CheckpointLimit int `yaml:"checkpoint_limit" validate:"min=1"`

	// Checkpoint root to resume from; empty starts fresh
	ResumeFrom string `yaml:"resume_from,omitempty"`
}

// PromptsConfig locates the difficulty ladder.
type PromptsConfig struct {
	// Ladder file path
	Path string `yaml:"path" validate:"required"`

	// File format (json or parquet); inferred from the extension when empty
	Format string `yaml:"format,omitempty" validate:"omitempty,oneof=json parquet"`
}

// SampleConfig controls trajectory collection.
type SampleConfig struct {
	// Denoising steps per trajectory
	NumSteps int `yaml:"num_steps" validate:"min=1"`

	// Classifier-free guidance scale
	GuidanceScale float64 `yaml:"guidance_scale" validate:"min=0"`

	// Noise injection level of the sampler
	Eta float64 `yaml:"eta" validate:"gte=0,lte=1"`

	// Prompts per sampling batch
	BatchSize int `yaml:"batch_size" validate:"min=1"`

	// Sampling batches per epoch
	NumBatchesPerEpoch int `yaml:"num_batches_per_epoch" validate:"min=1"`

	// Negative prompt shared by every rollout
	NegativePrompt string `yaml:"negative_prompt,omitempty"`
}

// TrainConfig controls the policy update loop.
type TrainConfig struct {
	// Trajectories (or pairs) per training minibatch
	BatchSize int `yaml:"batch_size" validate:"min=1"`

	// Passes over one epoch's trajectories
	InnerEpochs int `yaml:"inner_epochs" validate:"min=1"`

	// Accumulation factor on top of the timestep horizon
	GradAccumSteps int `yaml:"gradient_accumulation_steps" validate:"min=1"`

	// Gradient norm clip applied before every optimizer step
	MaxGradNorm float64 `yaml:"max_grad_norm" validate:"min=0"`

	// Step size handed to the policy optimizer backend
	LearningRate float64 `yaml:"learning_rate" validate:"gt=0"`

	// PPO trust-region bound on the importance ratio
	ClipRange float64 `yaml:"clip_range" validate:"gt=0"`

	// Advantages are clamped to [-adv_clip_max, adv_clip_max]
	AdvClipMax float64 `yaml:"adv_clip_max" validate:"gt=0"`

	// Fraction of denoising steps trained per minibatch
	TimestepFraction float64 `yaml:"timestep_fraction" validate:"gt=0,lte=1"`

	// Preference loss temperature (d3po)
	Beta float64 `yaml:"beta" validate:"gt=0"`

	// Reference-ratio clamp half-width (d3po)
	Eps float64 `yaml:"eps" validate:"gt=0"`

	// Weight of the KL regularizer (dpok)
	KLRatio float64 `yaml:"kl_ratio" validate:"gte=0"`
}

// TrackerConfig controls the per-prompt reward baseline.
type TrackerConfig struct {
	// Per-prompt tracking on/off; batch-global stats when off
	Enabled bool `yaml:"enabled"`

	// Ring buffer capacity per prompt
	BufferSize int `yaml:"buffer_size" validate:"min=1"`

	// Observations required before per-prompt stats take over
	MinCount int `yaml:"min_count" validate:"min=1"`
}

// CurriculumConfig controls the difficulty controller.
type CurriculumConfig struct {
	// Trend strategy (moving-average or fixed-pace)
	Strategy string `yaml:"strategy" validate:"required,oneof=moving-average fixed-pace"`

	// Rewards averaged per decision (moving-average)
	Window int `yaml:"window"`

	// Mean reward at or above this raises the tier (moving-average)
	RaiseAbove float64 `yaml:"raise_above"`

	// Mean reward at or below this lowers the tier (moving-average)
	LowerBelow float64 `yaml:"lower_below"`

	// Observations between unconditional raises (fixed-pace)
	PaceEvery int64 `yaml:"pace_every"`
}

// ScorerConfig selects and tunes the reward scorer.
type ScorerConfig struct {
	// Scorer name (jpeg-compressibility, jpeg-incompressibility, claude-vision)
	Name string `yaml:"name" validate:"required,oneof=jpeg-compressibility jpeg-incompressibility claude-vision"`

	// Model ID for model-backed scorers
	Model string `yaml:"model,omitempty"`

	// Scoring instruction for model-backed scorers
	Prompt string `yaml:"prompt,omitempty"`

	// Concurrent scoring requests per batch
	Concurrency int `yaml:"concurrency" validate:"min=1"`

	// Reward cache kind; empty scores every output fresh
	Cache string `yaml:"cache,omitempty" validate:"omitempty,oneof=memory sqlite"`

	// SQLite reward cache location; defaults under the run directory
	CachePath string `yaml:"cache_path,omitempty"`

	// Memory reward cache bound; 0 keeps everything
	CacheEntries int `yaml:"cache_entries,omitempty" validate:"min=0"`
}

// TelemetryConfig selects metric/image sinks.
type TelemetryConfig struct {
	// Sink backend (console, sqlite, none)
	Sink string `yaml:"sink" validate:"omitempty,oneof=console sqlite none"`

	// SQLite database path; defaults under the run directory
	Path string `yaml:"path,omitempty"`

	// Whether epoch-end sample images are logged
	LogImages bool `yaml:"log_images"`

	// Upper bound on images logged per epoch
	ImagesPerEpoch int `yaml:"images_per_epoch" validate:"min=0"`
}

// Validate checks the configuration against the schema and the cross-field
// rules. All violations are fatal; a run never starts on a partial config.
func (c *Config) Validate() error {
	return NewValidator().ValidateConfig(c)
}

// SamplesPerEpoch is the number of trajectories each worker collects per
// epoch before pairing (d3po doubles it).
func (c *Config) SamplesPerEpoch() int {
	return c.Sample.BatchSize * c.Sample.NumBatchesPerEpoch
}

// NumTrainTimesteps is the per-trajectory training horizon after applying
// the timestep fraction.
func (c *Config) NumTrainTimesteps() int {
	n := int(float64(c.Sample.NumSteps) * c.Train.TimestepFraction)
	if n < 1 {
		n = 1
	}
	return n
}
