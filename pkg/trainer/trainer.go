// Package trainer implements the on-policy fine-tuning loop for generative
// diffusion models: sample trajectories at the curriculum's current
// difficulty, score them, normalize rewards into advantages (or preference
// labels), and update the policy with one of the interchangeable rules under
// gradient accumulation across the denoising horizon. The loop is written
// against collectives, so the same code runs single-process and
// data-parallel.
package trainer

import (
	"context"
	"math/rand"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lightfold/difftune/pkg/checkpoint"
	"github.com/lightfold/difftune/pkg/config"
	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/curriculum"
	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/logging"
	"github.com/lightfold/difftune/pkg/stats"
	"github.com/lightfold/difftune/pkg/telemetry"
)

// workerSeedStride separates the random streams of data-parallel workers so
// each draws different prompts and noise.
const workerSeedStride = 1000003

// Env bundles the run's external collaborators. Policy, Optimizer, Sampler,
// Scorer and Prompts are required; World defaults to the single-process
// collective, Sink to a no-op sink and Store to a store under the run's
// output directory.
type Env struct {
	Policy    core.TrainablePolicy
	Optimizer core.Optimizer
	Sampler   core.Sampler
	Scorer    core.Scorer
	Prompts   core.PromptSource
	World     core.Collective
	Sink      telemetry.Sink
	Store     *checkpoint.Store
}

func (e *Env) validate() error {
	missing := ""
	switch {
	case e.Policy == nil:
		missing = "policy"
	case e.Optimizer == nil:
		missing = "optimizer"
	case e.Sampler == nil:
		missing = "sampler"
	case e.Scorer == nil:
		missing = "scorer"
	case e.Prompts == nil:
		missing = "prompt source"
	}
	if missing != "" {
		return errors.Newf(errors.ConfigurationError, "training environment is missing a %s", missing)
	}
	return nil
}

// Trainer is the epoch orchestrator. One Trainer owns one run.
type Trainer struct {
	cfg       *config.Config
	env       Env
	runName   string
	ctrl      *curriculum.Controller
	collector *Collector
	advantage *AdvantageEngine
	accum     *Accumulator
	store     *checkpoint.Store
	rng       *rand.Rand

	firstEpoch int
	globalStep int64
}

// New validates the configuration against the environment, wires the run's
// components and, when resume_from is set, restores policy, optimizer,
// difficulty and step counters from the named checkpoint. All configuration
// problems surface here, before any sampling happens.
func New(cfg *config.Config, env Env) (*Trainer, error) {
	if cfg == nil {
		return nil, errors.New(errors.ConfigurationError, "config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ConfigurationError, "invalid configuration")
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	if env.World == nil {
		env.World = core.NewLocal()
	}
	if env.Sink == nil {
		env.Sink = telemetry.NopSink{}
	}

	if env.Scorer.RewardSize() > 1 && cfg.Algorithm != "d3po" {
		return nil, errors.WithFields(
			errors.New(errors.ConfigurationError, "vector rewards require the pairwise-preference algorithm"),
			errors.Fields{"algorithm": cfg.Algorithm, "reward_size": env.Scorer.RewardSize()})
	}
	window := cfg.Train.BatchSize * cfg.Train.GradAccumSteps
	if cfg.SamplesPerEpoch()%window != 0 {
		return nil, errors.WithFields(
			errors.New(errors.ConfigurationError, "samples per epoch not divisible by the accumulation window"),
			errors.Fields{"samples_per_epoch": cfg.SamplesPerEpoch(), "window": window})
	}

	runName := cfg.Run.Name
	if runName == "" {
		runName = "difftune-" + uuid.New().String()[:8]
	}

	minTier, maxTier := env.Prompts.DifficultyRange()
	strategy, err := curriculum.NewStrategy(curriculum.StrategyConfig{
		Name:       cfg.Curriculum.Strategy,
		Window:     cfg.Curriculum.Window,
		RaiseAbove: cfg.Curriculum.RaiseAbove,
		LowerBelow: cfg.Curriculum.LowerBelow,
		PaceEvery:  cfg.Curriculum.PaceEvery,
	})
	if err != nil {
		return nil, err
	}
	ctrl, err := curriculum.NewController(minTier, maxTier, strategy, cfg.Curriculum.Window)
	if err != nil {
		return nil, err
	}

	var tracker *stats.Tracker
	if cfg.Tracker.Enabled {
		tracker = stats.NewTracker(cfg.Tracker.BufferSize, cfg.Tracker.MinCount)
	}

	accum, err := NewAccumulator(env.Optimizer, cfg.NumTrainTimesteps(), cfg.Train.GradAccumSteps, cfg.Train.MaxGradNorm)
	if err != nil {
		return nil, err
	}

	store := env.Store
	if store == nil {
		store, err = checkpoint.NewStore(filepath.Join(cfg.Run.OutDir, runName), cfg.Run.CheckpointLimit)
		if err != nil {
			return nil, err
		}
	}

	workerSeed := cfg.Run.Seed + workerSeedStride*int64(env.World.Rank())
	t := &Trainer{
		cfg:       cfg,
		env:       env,
		runName:   runName,
		ctrl:      ctrl,
		collector: NewCollector(cfg, env, ctrl, cfg.Algorithm == "d3po", workerSeed),
		advantage: NewAdvantageEngine(tracker, env.World, cfg.Train.AdvClipMax),
		accum:     accum,
		store:     store,
		rng:       rand.New(rand.NewSource(workerSeed + 1)),
	}

	if cfg.Run.ResumeFrom != "" {
		if err := t.resume(cfg.Run.ResumeFrom); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Trainer) resume(path string) error {
	state, err := checkpoint.LoadResume(path)
	if err != nil {
		return err
	}
	if err := t.env.Policy.Restore(state.Policy); err != nil {
		return errors.Wrap(err, errors.CheckpointFailed, "failed to restore policy")
	}
	if err := t.env.Optimizer.Restore(state.Optimizer); err != nil {
		return errors.Wrap(err, errors.CheckpointFailed, "failed to restore optimizer")
	}
	if err := t.env.Prompts.SetDifficulty(state.Difficulty); err != nil {
		return errors.Wrap(err, errors.ConfigurationError, "checkpoint difficulty outside the ladder")
	}
	t.firstEpoch = state.Epoch + 1
	t.globalStep = state.GlobalStep
	return nil
}

// RunName returns the run's name, generated when the config left it empty.
func (t *Trainer) RunName() string { return t.runName }

// GlobalStep returns the number of training minibatches processed so far.
func (t *Trainer) GlobalStep() int64 { return t.globalStep }

// Store returns the checkpoint store this run saves into.
func (t *Trainer) Store() *checkpoint.Store { return t.store }

// Train runs the outer loop: for each epoch, collect trajectories, compute
// advantages, run the inner training epochs and checkpoint. It returns the
// first fatal error; there is no partial recovery inside a run.
func (t *Trainer) Train(ctx context.Context) error {
	ctx = logging.WithRunID(ctx, t.runName)
	ctx = logging.WithRank(ctx, t.env.World.Rank())
	ctx, endTask := logging.TraceTask(ctx, "train")
	defer endTask()

	logger := logging.GetLogger()
	logger.Info(ctx, "starting run %s: algorithm=%s epochs=%d inner_epochs=%d world_size=%d",
		t.runName, t.cfg.Algorithm, t.cfg.Run.NumEpochs, t.cfg.Train.InnerEpochs, t.env.World.WorldSize())
	logger.Info(ctx, "sampling: batch_size=%d batches_per_epoch=%d num_steps=%d",
		t.cfg.Sample.BatchSize, t.cfg.Sample.NumBatchesPerEpoch, t.cfg.Sample.NumSteps)
	logger.Info(ctx, "training: batch_size=%d accum_steps=%d train_timesteps=%d lr=%g",
		t.cfg.Train.BatchSize, t.cfg.Train.GradAccumSteps, t.cfg.NumTrainTimesteps(), t.cfg.Train.LearningRate)
	if t.firstEpoch > 0 {
		logger.Info(ctx, "resumed from checkpoint epoch %d at global step %d", t.firstEpoch-1, t.globalStep)
	}

	rule, err := t.buildRule(ctx)
	if err != nil {
		return err
	}

	for epoch := t.firstEpoch; epoch < t.cfg.Run.NumEpochs; epoch++ {
		step, err := t.epochLoop(ctx, rule, epoch, t.globalStep)
		if err != nil {
			return err
		}
		t.globalStep = step
	}
	if t.cfg.Run.SaveFreq <= 0 && t.firstEpoch < t.cfg.Run.NumEpochs {
		if err := t.saveCheckpoint(ctx, t.cfg.Run.NumEpochs-1, t.globalStep); err != nil {
			return err
		}
	}
	logger.Info(ctx, "run %s finished after %d epochs", t.runName, t.cfg.Run.NumEpochs)
	return nil
}

// buildRule constructs the update rule, freezing the reference policy first
// when the algorithm needs one.
func (t *Trainer) buildRule(ctx context.Context) (UpdateRule, error) {
	var ref core.Policy
	if t.cfg.Algorithm == "d3po" {
		frozen, err := t.env.Policy.Freeze(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ConfigurationError, "failed to freeze reference policy")
		}
		ref = frozen
	}
	return NewUpdateRule(t.cfg.Algorithm, t.cfg.Train, t.env.Policy, ref)
}

func (t *Trainer) epochLoop(ctx context.Context, rule UpdateRule, epoch int, globalStep int64) (int64, error) {
	defer logging.TraceRegion(ctx, "epoch")()

	batch, err := t.collector.CollectEpoch(ctx, epoch, globalStep)
	if err != nil {
		return 0, err
	}
	logging.GetLogger().Info(ctx, "epoch %d sampled %d rollouts: reward_mean=%.4f reward_std=%.4f difficulty=%d",
		epoch, batch.Size(), batch.RewardMean, batch.RewardStd, t.env.Prompts.Difficulty())

	switch r := rule.(type) {
	case PairRule:
		globalStep, err = t.trainPairs(ctx, r, batch, epoch, globalStep)
	case TrajectoryRule:
		globalStep, err = t.trainTrajectories(ctx, r, batch, epoch, globalStep)
	default:
		return 0, errors.Newf(errors.UnsupportedAlgorithm, "rule %q implements no step interface", rule.Name())
	}
	if err != nil {
		return 0, err
	}

	// Epoch 0 is skipped: its weights are one gradient pass away from the
	// initial policy and resuming from them would replay nearly the whole run.
	if freq := t.cfg.Run.SaveFreq; freq > 0 && epoch > 0 && epoch%freq == 0 {
		if err := t.saveCheckpoint(ctx, epoch, globalStep); err != nil {
			return 0, err
		}
	}
	return globalStep, nil
}

func (t *Trainer) trainTrajectories(ctx context.Context, rule TrajectoryRule, batch *EpochBatch, epoch int, globalStep int64) (int64, error) {
	advantages, err := t.advantage.Compute(ctx, batch.Prompts, batch.Rewards)
	if err != nil {
		return 0, err
	}

	for inner := 0; inner < t.cfg.Train.InnerEpochs; inner++ {
		minibatches, err := ReshuffleRebatch(batch.Trajectories, advantages, t.cfg.Train.BatchSize, t.rng)
		if err != nil {
			return 0, err
		}

		window := newDiagnostics()
		for i, mb := range minibatches {
			for j := 0; j < t.cfg.NumTrainTimesteps(); j++ {
				st, err := rule.Step(ctx, mb, j)
				if err != nil {
					return 0, err
				}
				window.add(st)

				stepped, err := t.accum.AfterBackward(ctx, i, j)
				if err != nil {
					return 0, err
				}
				if stepped {
					if err := t.flushDiagnostics(ctx, window, epoch, inner, globalStep); err != nil {
						return 0, err
					}
					window = newDiagnostics()
				}
			}
			globalStep++
		}
		if err := t.accum.AssertSynced(); err != nil {
			return 0, err
		}
	}
	return globalStep, nil
}

func (t *Trainer) trainPairs(ctx context.Context, rule PairRule, batch *EpochBatch, epoch int, globalStep int64) (int64, error) {
	for inner := 0; inner < t.cfg.Train.InnerEpochs; inner++ {
		minibatches, err := ReshufflePairs(batch.Pairs, t.cfg.Train.BatchSize, t.rng)
		if err != nil {
			return 0, err
		}

		window := newDiagnostics()
		for i, mb := range minibatches {
			for j := 0; j < t.cfg.NumTrainTimesteps(); j++ {
				st, err := rule.PairStep(ctx, mb, j)
				if err != nil {
					return 0, err
				}
				window.add(st)

				stepped, err := t.accum.AfterBackward(ctx, i, j)
				if err != nil {
					return 0, err
				}
				if stepped {
					if err := t.flushDiagnostics(ctx, window, epoch, inner, globalStep); err != nil {
						return 0, err
					}
					window = newDiagnostics()
				}
			}
			globalStep++
		}
		if err := t.accum.AssertSynced(); err != nil {
			return 0, err
		}
	}
	return globalStep, nil
}

// diagnostics accumulates one window's step statistics for the flush at the
// optimizer-step boundary.
type diagnostics struct {
	losses    []float64
	kls       []float64
	clipfracs []float64
}

func newDiagnostics() *diagnostics {
	return &diagnostics{}
}

func (d *diagnostics) add(st *StepStats) {
	d.losses = append(d.losses, st.Loss)
	d.kls = append(d.kls, st.ApproxKL)
	d.clipfracs = append(d.clipfracs, st.ClipFrac)
}

// flushDiagnostics averages the window, reduces across workers and logs the
// result at the current global step.
func (t *Trainer) flushDiagnostics(ctx context.Context, d *diagnostics, epoch, inner int, globalStep int64) error {
	loss, _ := meanStd(d.losses)
	kl, _ := meanStd(d.kls)
	clip, _ := meanStd(d.clipfracs)
	values := map[string]float64{
		"loss":      loss,
		"approx_kl": kl,
		"clipfrac":  clip,
		"grad_norm": t.accum.LastGradNorm(),
	}
	reduced, err := t.env.World.ReduceMean(ctx, values)
	if err != nil {
		return errors.Wrap(err, errors.CollectiveFailed, "failed to reduce diagnostics")
	}
	reduced["epoch"] = float64(epoch)
	reduced["inner_epoch"] = float64(inner)
	return t.env.Sink.LogScalars(ctx, globalStep, reduced)
}

// saveCheckpoint barriers the world and persists the run state from rank 0.
func (t *Trainer) saveCheckpoint(ctx context.Context, epoch int, globalStep int64) error {
	if err := t.env.World.Barrier(ctx); err != nil {
		return errors.Wrap(err, errors.CollectiveFailed, "checkpoint barrier failed")
	}
	if t.env.World.Rank() != 0 {
		return nil
	}

	policyBytes, err := t.env.Policy.Snapshot()
	if err != nil {
		return errors.Wrap(err, errors.CheckpointFailed, "failed to snapshot policy")
	}
	optBytes, err := t.env.Optimizer.Snapshot()
	if err != nil {
		return errors.Wrap(err, errors.CheckpointFailed, "failed to snapshot optimizer")
	}

	dir, err := t.store.Save(&checkpoint.State{
		Epoch:      epoch,
		GlobalStep: globalStep,
		Difficulty: t.env.Prompts.Difficulty(),
		Meta: map[string]string{
			"algorithm": t.cfg.Algorithm,
			"run":       t.runName,
		},
		Policy:    policyBytes,
		Optimizer: optBytes,
	})
	if err != nil {
		return err
	}
	logging.GetLogger().Info(ctx, "saved checkpoint %s", dir)
	return nil
}
