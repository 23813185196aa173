// Package runner assembles a training environment from a run configuration
// and drives the trainer. The CLI runs on the simulation backend;
// single-process by default, or as one rank of a data-parallel world when
// --world is set. Real samplers wire their own trainer.Env through the
// library instead.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lightfold/difftune/pkg/collective"
	"github.com/lightfold/difftune/pkg/config"
	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/curriculum"
	"github.com/lightfold/difftune/pkg/datasets"
	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/logging"
	"github.com/lightfold/difftune/pkg/scorers"
	"github.com/lightfold/difftune/pkg/sim"
	"github.com/lightfold/difftune/pkg/telemetry"
	"github.com/lightfold/difftune/pkg/trainer"
)

// Options configures one CLI-driven training run.
type Options struct {
	ConfigPath  string
	Resume      string
	LatentShape []int
	Verbose     bool

	// World, Rank and HubAddr place this process in a data-parallel
	// world. World of 0 or 1 means single-process; otherwise rank 0
	// hosts the collective hub at HubAddr and every rank joins it.
	World   int
	Rank    int
	HubAddr string
}

// Run loads and validates the configuration, builds the scorer, prompt
// ladder, telemetry sink, and simulation backend around it, and trains to
// completion.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Resume != "" {
		cfg.Run.ResumeFrom = opts.Resume
	}
	// Pin the run name up front so checkpoints and telemetry agree on the
	// run directory.
	if cfg.Run.Name == "" {
		cfg.Run.Name = "difftune-" + uuid.New().String()[:8]
	}
	setupLogging(cfg, opts.Verbose)

	world, closeWorld, err := buildWorld(ctx, opts)
	if err != nil {
		return err
	}
	defer closeWorld()

	ladder, err := datasets.Load(ctx, cfg.Prompts.Path, cfg.Prompts.Format)
	if err != nil {
		return err
	}
	prompts, err := curriculum.NewLoader(ladder, world.Rank(), world.WorldSize())
	if err != nil {
		return err
	}

	cachePath := cfg.Scorer.CachePath
	if cfg.Scorer.Cache == "sqlite" && cachePath == "" {
		// Each rank gets its own cache file; two processes sharing one
		// SQLite file would contend on the write lock.
		name := "rewards.db"
		if opts.Rank > 0 {
			name = fmt.Sprintf("rewards.r%d.db", opts.Rank)
		}
		cachePath = filepath.Join(cfg.Run.OutDir, cfg.Run.Name, name)
		if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
			return errors.Wrap(err, errors.ScoringFailed, "cannot create reward cache directory")
		}
	}
	scorer, err := scorers.New(cfg.Scorer.Name, scorers.Options{
		Model:        cfg.Scorer.Model,
		Prompt:       cfg.Scorer.Prompt,
		Concurrency:  cfg.Scorer.Concurrency,
		Cache:        cfg.Scorer.Cache,
		CachePath:    cachePath,
		CacheEntries: cfg.Scorer.CacheEntries,
	})
	if err != nil {
		return err
	}
	if cached, ok := scorer.(*scorers.CachedScorer); ok {
		defer func() {
			stats := cached.CacheStats()
			logging.GetLogger().Info(context.Background(),
				"reward cache: %d hits, %d misses, %d entries", stats.Hits, stats.Misses, stats.Entries)
			cached.Close()
		}()
	}

	// Diagnostics are reduced across the world before logging, so every
	// rank would write identical rows; only rank 0 keeps a real sink.
	var sink telemetry.Sink = telemetry.NopSink{}
	if world.Rank() == 0 {
		if sink, err = buildSink(cfg); err != nil {
			return err
		}
	}
	defer sink.Close()

	policy := sim.NewPolicy(opts.LatentShape...)
	env := trainer.Env{
		Policy:    policy,
		Optimizer: sim.NewOptimizer(policy, cfg.Train.LearningRate),
		Sampler:   sim.NewSampler(policy),
		Scorer:    scorer,
		Prompts:   prompts,
		World:     world,
		Sink:      sink,
	}
	tr, err := trainer.New(cfg, env)
	if err != nil {
		return err
	}
	return tr.Train(ctx)
}

// buildWorld returns the collective this process participates in and a
// function that leaves it.
func buildWorld(ctx context.Context, opts Options) (core.Collective, func(), error) {
	if opts.World <= 1 {
		return core.NewLocal(), func() {}, nil
	}
	if opts.Rank < 0 || opts.Rank >= opts.World {
		return nil, nil, errors.Newf(errors.InvalidInput,
			"rank %d outside world of %d", opts.Rank, opts.World)
	}
	if opts.HubAddr == "" {
		return nil, nil, errors.New(errors.InvalidInput,
			"a world of more than one worker needs --hub")
	}

	var worker *collective.Worker
	var err error
	if opts.Rank == 0 {
		worker, err = collective.Host(ctx, opts.HubAddr, opts.World)
	} else {
		worker, err = collective.Join(ctx, opts.HubAddr, opts.Rank)
	}
	if err != nil {
		return nil, nil, err
	}
	return worker, func() { worker.Close() }, nil
}

// Validate loads the configuration the same way Run does and returns it.
func Validate(path string) (*config.Config, error) {
	return config.Load(path)
}

func buildSink(cfg *config.Config) (telemetry.Sink, error) {
	path := cfg.Telemetry.Path
	if path == "" && cfg.Telemetry.Sink == "sqlite" {
		path = filepath.Join(cfg.Run.OutDir, cfg.Run.Name, "telemetry.db")
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, errors.TelemetryFailed, "cannot create telemetry directory")
		}
	}
	return telemetry.New(cfg.Telemetry.Sink, path)
}

func setupLogging(cfg *config.Config, verbose bool) {
	severity := logging.ParseSeverity(cfg.Run.LogLevel)
	if verbose {
		severity = logging.DEBUG
	}

	outputs := []logging.Output{logging.NewConsoleOutput(true, logging.WithColor(true))}
	if cfg.Run.LogFile != "" {
		file, err := logging.NewFileOutput(cfg.Run.LogFile)
		if err != nil {
			logging.GetLogger().Warn(context.Background(),
				"cannot open log file %s: %v", cfg.Run.LogFile, err)
		} else {
			outputs = append(outputs, file)
		}
	}

	logging.SetLogger(logging.NewLogger(logging.Config{
		Severity: severity,
		Outputs:  outputs,
	}))
}
