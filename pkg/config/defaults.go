package config

// GetDefaultConfig returns the baseline configuration. Sources loaded on top
// of it override individual fields; anything left untouched keeps these
// values.
func GetDefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			Seed:            42,
			OutDir:          "runs",
			LogLevel:        "INFO",
			NumEpochs:       100,
			SaveFreq:        1,
			CheckpointLimit: 10,
		},
		Algorithm: "ddpo",
		Prompts: PromptsConfig{
			Path: "prompts.json",
		},
		Sample: SampleConfig{
			NumSteps:           50,
			GuidanceScale:      5.0,
			Eta:                1.0,
			BatchSize:          8,
			NumBatchesPerEpoch: 4,
		},
		Train: TrainConfig{
			BatchSize:        4,
			InnerEpochs:      1,
			GradAccumSteps:   1,
			MaxGradNorm:      1.0,
			LearningRate:     3e-4,
			ClipRange:        1e-4,
			AdvClipMax:       5.0,
			TimestepFraction: 1.0,
			Beta:             1.0,
			Eps:              0.1,
			KLRatio:          0.01,
		},
		Tracker: TrackerConfig{
			Enabled:    true,
			BufferSize: 16,
			MinCount:   16,
		},
		Curriculum: CurriculumConfig{
			Strategy:   "moving-average",
			Window:     8,
			RaiseAbove: 0.7,
			LowerBelow: 0.3,
			PaceEvery:  16,
		},
		Scorer: ScorerConfig{
			Name:        "jpeg-compressibility",
			Concurrency: 4,
		},
		Telemetry: TelemetryConfig{
			Sink:           "console",
			LogImages:      true,
			ImagesPerEpoch: 4,
		},
	}
}
