package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source represents a configuration source.
type Source interface {
	// Load loads configuration from the source into the provided config
	Load(config *Config, paths []string) error

	// Name returns the name of the source
	Name() string

	// Priority returns the priority of the source (higher priority overrides lower)
	Priority() int
}

// FileSource loads configuration from YAML files.
type FileSource struct {
	priority int
}

// NewFileSource creates a new file source.
func NewFileSource() *FileSource {
	return &FileSource{priority: 100}
}

// Name returns the name of the file source.
func (fs *FileSource) Name() string {
	return "file"
}

// Priority returns the priority of the file source.
func (fs *FileSource) Priority() int {
	if fs.priority == 0 {
		return 100
	}
	return fs.priority
}

// Load reads each existing path in order and merges it over the config.
func (fs *FileSource) Load(config *Config, paths []string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshaling over the existing struct keeps fields the file does
		// not mention.
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML from %s: %w", path, err)
		}
	}

	return nil
}

// EnvironmentSource loads configuration from environment variables.
type EnvironmentSource struct {
	priority int
	prefix   string
}

// NewEnvironmentSource creates a new environment source with the DIFFTUNE_
// prefix.
func NewEnvironmentSource() *EnvironmentSource {
	return &EnvironmentSource{
		priority: 200, // Higher priority than file source
		prefix:   "DIFFTUNE_",
	}
}

// NewEnvironmentSourceWithPrefix creates a new environment source with a
// custom prefix.
func NewEnvironmentSourceWithPrefix(prefix string) *EnvironmentSource {
	return &EnvironmentSource{
		priority: 200,
		prefix:   prefix,
	}
}

// Name returns the name of the environment source.
func (es *EnvironmentSource) Name() string {
	return "environment"
}

// Priority returns the priority of the environment source.
func (es *EnvironmentSource) Priority() int {
	if es.priority == 0 {
		return 200
	}
	return es.priority
}

// Load applies environment variable overrides to the config.
func (es *EnvironmentSource) Load(config *Config, _ []string) error {
	envVars := es.getEnvironmentVariables()

	// Sort keys for a consistent application order.
	keys := make([]string, 0, len(envVars))
	for key := range envVars {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := envVars[key]
		if err := es.setConfigValue(config, key, value); err != nil {
			return fmt.Errorf("failed to set config value %s=%s: %w", key, value, err)
		}
	}

	return nil
}

// getEnvironmentVariables gets all environment variables with the configured
// prefix, converted to dotted config keys.
func (es *EnvironmentSource) getEnvironmentVariables() map[string]string {
	envVars := make(map[string]string)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key, value := parts[0], parts[1]
		if strings.HasPrefix(key, es.prefix) {
			configKey := strings.ToLower(strings.TrimPrefix(key, es.prefix))
			configKey = strings.ReplaceAll(configKey, "_", ".")
			envVars[configKey] = value
		}
	}

	return envVars
}

// setConfigValue sets a configuration value using dot notation.
func (es *EnvironmentSource) setConfigValue(config *Config, key, value string) error {
	switch {
	case key == "algorithm":
		config.Algorithm = value
		return nil
	case strings.HasPrefix(key, "run."):
		return es.setRunValue(&config.Run, strings.TrimPrefix(key, "run."), value)
	case strings.HasPrefix(key, "prompts."):
		return es.setPromptsValue(&config.Prompts, strings.TrimPrefix(key, "prompts."), value)
	case strings.HasPrefix(key, "sample."):
		return es.setSampleValue(&config.Sample, strings.TrimPrefix(key, "sample."), value)
	case strings.HasPrefix(key, "train."):
		return es.setTrainValue(&config.Train, strings.TrimPrefix(key, "train."), value)
	case strings.HasPrefix(key, "tracker."):
		return es.setTrackerValue(&config.Tracker, strings.TrimPrefix(key, "tracker."), value)
	case strings.HasPrefix(key, "curriculum."):
		return es.setCurriculumValue(&config.Curriculum, strings.TrimPrefix(key, "curriculum."), value)
	case strings.HasPrefix(key, "scorer."):
		return es.setScorerValue(&config.Scorer, strings.TrimPrefix(key, "scorer."), value)
	case strings.HasPrefix(key, "telemetry."):
		return es.setTelemetryValue(&config.Telemetry, strings.TrimPrefix(key, "telemetry."), value)
	default:
		// Unknown paths are ignored rather than failing, so unrelated
		// variables under the prefix do not abort startup.
		return nil
	}
}

func (es *EnvironmentSource) setRunValue(run *RunConfig, key, value string) error {
	switch key {
	case "name":
		run.Name = value
	case "seed":
		seed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid seed: %s", value)
		}
		run.Seed = seed
	case "out.dir", "outdir":
		run.OutDir = value
	case "log.level", "loglevel":
		run.LogLevel = strings.ToUpper(value)
	case "log.file", "logfile":
		run.LogFile = value
	case "num.epochs", "numepochs":
		return setInt(&run.NumEpochs, "num epochs", value)
	case "save.freq", "savefreq":
		return setInt(&run.SaveFreq, "save freq", value)
	case "checkpoint.limit", "checkpointlimit":
		return setInt(&run.CheckpointLimit, "checkpoint limit", value)
	case "resume.from", "resumefrom":
		run.ResumeFrom = value
	}
	return nil
}

func (es *EnvironmentSource) setPromptsValue(prompts *PromptsConfig, key, value string) error {
	switch key {
	case "path":
		prompts.Path = value
	case "format":
		prompts.Format = strings.ToLower(value)
	}
	return nil
}

func (es *EnvironmentSource) setSampleValue(sample *SampleConfig, key, value string) error {
	switch key {
	case "num.steps", "numsteps":
		return setInt(&sample.NumSteps, "num steps", value)
	case "guidance.scale", "guidancescale":
		return setFloat(&sample.GuidanceScale, "guidance scale", value)
	case "eta":
		return setFloat(&sample.Eta, "eta", value)
	case "batch.size", "batchsize":
		return setInt(&sample.BatchSize, "sample batch size", value)
	case "num.batches.per.epoch", "numbatchesperepoch":
		return setInt(&sample.NumBatchesPerEpoch, "num batches per epoch", value)
	case "negative.prompt", "negativeprompt":
		sample.NegativePrompt = value
	}
	return nil
}

func (es *EnvironmentSource) setTrainValue(train *TrainConfig, key, value string) error {
	switch key {
	case "batch.size", "batchsize":
		return setInt(&train.BatchSize, "train batch size", value)
	case "inner.epochs", "innerepochs":
		return setInt(&train.InnerEpochs, "inner epochs", value)
	case "gradient.accumulation.steps", "grad.accum.steps":
		return setInt(&train.GradAccumSteps, "gradient accumulation steps", value)
	case "max.grad.norm", "maxgradnorm":
		return setFloat(&train.MaxGradNorm, "max grad norm", value)
	case "learning.rate", "learningrate":
		return setFloat(&train.LearningRate, "learning rate", value)
	case "clip.range", "cliprange":
		return setFloat(&train.ClipRange, "clip range", value)
	case "adv.clip.max", "advclipmax":
		return setFloat(&train.AdvClipMax, "adv clip max", value)
	case "timestep.fraction", "timestepfraction":
		return setFloat(&train.TimestepFraction, "timestep fraction", value)
	case "beta":
		return setFloat(&train.Beta, "beta", value)
	case "eps":
		return setFloat(&train.Eps, "eps", value)
	case "kl.ratio", "klratio":
		return setFloat(&train.KLRatio, "kl ratio", value)
	}
	return nil
}

func (es *EnvironmentSource) setTrackerValue(tracker *TrackerConfig, key, value string) error {
	switch key {
	case "enabled":
		return setBool(&tracker.Enabled, "tracker enabled", value)
	case "buffer.size", "buffersize":
		return setInt(&tracker.BufferSize, "buffer size", value)
	case "min.count", "mincount":
		return setInt(&tracker.MinCount, "min count", value)
	}
	return nil
}

func (es *EnvironmentSource) setCurriculumValue(cur *CurriculumConfig, key, value string) error {
	switch key {
	case "strategy":
		cur.Strategy = strings.ToLower(value)
	case "window":
		return setInt(&cur.Window, "curriculum window", value)
	case "raise.above", "raiseabove":
		return setFloat(&cur.RaiseAbove, "raise above", value)
	case "lower.below", "lowerbelow":
		return setFloat(&cur.LowerBelow, "lower below", value)
	case "pace.every", "paceevery":
		pace, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid pace every: %s", value)
		}
		cur.PaceEvery = pace
	}
	return nil
}

func (es *EnvironmentSource) setScorerValue(scorer *ScorerConfig, key, value string) error {
	switch key {
	case "name":
		scorer.Name = strings.ToLower(value)
	case "model":
		scorer.Model = value
	case "prompt":
		scorer.Prompt = value
	case "concurrency":
		return setInt(&scorer.Concurrency, "scorer concurrency", value)
	case "cache":
		scorer.Cache = strings.ToLower(value)
	case "cache.path", "cachepath":
		scorer.CachePath = value
	case "cache.entries", "cacheentries":
		return setInt(&scorer.CacheEntries, "scorer cache entries", value)
	}
	return nil
}

func (es *EnvironmentSource) setTelemetryValue(tel *TelemetryConfig, key, value string) error {
	switch key {
	case "sink":
		tel.Sink = strings.ToLower(value)
	case "path":
		tel.Path = value
	case "log.images", "logimages":
		return setBool(&tel.LogImages, "log images", value)
	case "images.per.epoch", "imagesperepoch":
		return setInt(&tel.ImagesPerEpoch, "images per epoch", value)
	}
	return nil
}

func setInt(dst *int, name, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %s", name, value)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, name, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %s", name, value)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, name, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %s", name, value)
	}
	*dst = b
	return nil
}
