// Package difftune implements on-policy reinforcement-learning fine-tuning
// for generative diffusion samplers, with a reward-driven difficulty
// curriculum over the training prompts.
//
// difftune treats each denoising rollout as a short trajectory, scores the
// rendered output with a pluggable reward scorer, and updates the sampler's
// policy with one of three update rules. It focuses on making it easy to:
//   - Collect rollouts batch-by-batch from any sampler backend
//   - Score outputs with local or model-backed reward functions
//   - Normalize rewards into advantages, globally or per prompt
//   - Walk prompts up and down a difficulty ladder as rewards trend
//   - Checkpoint, resume, and observe long runs
//
// Key Components:
//
//   - Core: The data model (Tensor, Trajectory, TransitionBatch) and the
//     external interfaces a training run is assembled from: Sampler, Scorer,
//     Policy/TrainablePolicy, Optimizer, PromptSource, Collective, and a
//     single-process Local collective.
//
//   - Trainer: The training loop itself:
//     * Collector: draws prompts, samples rollouts, scores them, and feeds
//       the curriculum controller after every sampling batch
//     * AdvantageEngine: cross-worker reward gathering and normalization,
//       optionally against per-prompt baselines
//     * Update rules: ddpo (PPO-clip), dpok (PPO-clip with a KL regularizer),
//       and d3po (pairwise preferences against a frozen reference policy)
//     * Accumulator: gradient accumulation across the denoising horizon with
//       a strict one-step-per-window invariant
//
//   - Curriculum: Difficulty control over the prompt ladder:
//     * MovingAverage: raises or lowers the tier when the windowed mean
//       reward crosses a threshold
//     * FixedPace: raises the tier unconditionally every N observations
//     * Loader: rank-sharded prompt drawing with wraparound inside one tier
//
//   - Stats: Rolling per-prompt reward baselines (ring buffer per prompt,
//     batch-global fallback below a minimum observation count).
//
//   - Datasets: Prompt-ladder loading from JSON or Parquet files.
//
//   - Scorers: Reward backends:
//     * jpeg-compressibility / jpeg-incompressibility: JPEG-encoded size of
//       the rendered output, pure Go
//     * claude-vision: multimodal prompt-fidelity scoring on a bounded
//       request pool
//
//   - Checkpoint: checkpoint_<N> directories with retention and
//     resume-from-latest resolution.
//
//   - Telemetry: Scalar metrics and sample images per global step, to the
//     console or a SQLite database.
//
//   - Sim: A deterministic in-process sampler, trainable policy, and SGD
//     optimizer over a small latent space, for end-to-end tests and the CLI
//     demo mode.
//
// Simple Example:
//
//	import (
//	    "context"
//	    "log"
//
//	    "github.com/lightfold/difftune/pkg/config"
//	    "github.com/lightfold/difftune/pkg/curriculum"
//	    "github.com/lightfold/difftune/pkg/datasets"
//	    "github.com/lightfold/difftune/pkg/scorers"
//	    "github.com/lightfold/difftune/pkg/sim"
//	    "github.com/lightfold/difftune/pkg/trainer"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    cfg, err := config.Load("run.yaml")
//	    if err != nil {
//	        log.Fatalf("Failed to load config: %v", err)
//	    }
//
//	    ladder, err := datasets.Load(ctx, cfg.Prompts.Path, cfg.Prompts.Format)
//	    if err != nil {
//	        log.Fatalf("Failed to load prompt ladder: %v", err)
//	    }
//	    prompts, err := curriculum.NewLoader(ladder, 0, 1)
//	    if err != nil {
//	        log.Fatalf("Failed to build prompt loader: %v", err)
//	    }
//
//	    scorer, err := scorers.New(cfg.Scorer.Name, scorers.Options{
//	        Concurrency: cfg.Scorer.Concurrency,
//	    })
//	    if err != nil {
//	        log.Fatalf("Failed to build scorer: %v", err)
//	    }
//
//	    policy := sim.NewPolicy(3, 16, 16)
//	    tr, err := trainer.New(cfg, trainer.Env{
//	        Policy:    policy,
//	        Optimizer: sim.NewOptimizer(policy, cfg.Train.LearningRate),
//	        Sampler:   sim.NewSampler(policy),
//	        Scorer:    scorer,
//	        Prompts:   prompts,
//	    })
//	    if err != nil {
//	        log.Fatalf("Failed to build trainer: %v", err)
//	    }
//	    if err := tr.Train(ctx); err != nil {
//	        log.Fatalf("Training failed: %v", err)
//	    }
//	}
//
// Swapping the simulation backend for a real diffusion sampler means
// implementing core.Sampler and core.TrainablePolicy over the model's
// denoising loop; everything above those interfaces stays unchanged.
//
// For more examples and detailed documentation, visit:
// https://github.com/lightfold/difftune
//
// difftune is released under the MIT License.
package difftune
