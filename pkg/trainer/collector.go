package trainer

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"math/rand"

	"github.com/google/uuid"

	"github.com/lightfold/difftune/pkg/config"
	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/curriculum"
	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/logging"
	"github.com/lightfold/difftune/pkg/scorers"
	"github.com/lightfold/difftune/pkg/telemetry"
)

// EpochBatch is one epoch's collected rollouts. Exactly one of Trajectories
// (single mode) or Pairs (paired mode) is populated. Prompts and Rewards are
// this worker's local view, aligned with Trajectories; RewardMean and
// RewardStd summarize the cross-worker union of every scalar reward
// component.
type EpochBatch struct {
	Trajectories []*core.Trajectory
	Pairs        []*core.TrajectoryPair
	Prompts      []string
	Rewards      []float64
	RewardMean   float64
	RewardStd    float64
}

// Size returns the number of local rollout units (trajectories or pairs).
func (b *EpochBatch) Size() int {
	if b.Pairs != nil {
		return len(b.Pairs)
	}
	return len(b.Trajectories)
}

// Collector drives the sampling half of an epoch: it draws prompts at the
// current difficulty, rolls out the generative sampler, scores the rendered
// outputs and feeds the reward trend back into the curriculum controller
// after every batch. The difficulty the controller returns is applied
// immediately, so it takes effect on the next batch's prompts.
type Collector struct {
	cfg     *config.Config
	sampler core.Sampler
	scorer  core.Scorer
	prompts core.PromptSource
	ctrl    *curriculum.Controller
	world   core.Collective
	sink    telemetry.Sink
	paired  bool
	rng     *rand.Rand
}

// NewCollector builds a collector. paired selects two rollouts per prompt
// sharing initial noise; seed fixes the sampling seed stream for this worker.
func NewCollector(cfg *config.Config, env Env, ctrl *curriculum.Controller, paired bool, seed int64) *Collector {
	return &Collector{
		cfg:     cfg,
		sampler: env.Sampler,
		scorer:  env.Scorer,
		prompts: env.Prompts,
		ctrl:    ctrl,
		world:   env.World,
		sink:    env.Sink,
		paired:  paired,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// CollectEpoch runs num_batches_per_epoch sampling batches, gathers reward
// statistics across workers, logs epoch telemetry and drops rendered outputs
// before returning.
func (c *Collector) CollectEpoch(ctx context.Context, epoch int, globalStep int64) (*EpochBatch, error) {
	defer logging.TraceRegion(ctx, "collect_epoch")()

	batch := &EpochBatch{}
	var lastBatch []*core.Trajectory
	for i := 0; i < c.cfg.Sample.NumBatchesPerEpoch; i++ {
		if err := errors.CheckContext(ctx, "sampling"); err != nil {
			return nil, err
		}

		var (
			sampled []*core.Trajectory
			err     error
		)
		if c.paired {
			sampled, err = c.samplePairedBatch(ctx, batch)
		} else {
			sampled, err = c.sampleBatch(ctx, batch)
		}
		if err != nil {
			return nil, err
		}
		lastBatch = sampled

		target := c.ctrl.InferTargetDifficulty(curriculum.Observation{
			Step:       globalStep + int64(i),
			Difficulty: c.prompts.Difficulty(),
			Reward:     batchRewardMean(sampled),
		})
		if err := c.prompts.SetDifficulty(target); err != nil {
			return nil, err
		}
	}

	flat := make([]float64, 0, batch.Size())
	for _, tr := range allTrajectories(batch) {
		flat = append(flat, tr.Reward...)
	}
	gathered, err := c.world.GatherFloats(ctx, flat)
	if err != nil {
		return nil, errors.Wrap(err, errors.CollectiveFailed, "failed to gather epoch rewards")
	}
	batch.RewardMean, batch.RewardStd = meanStd(gathered)

	if c.sink != nil {
		values := map[string]float64{
			"reward_mean": batch.RewardMean,
			"reward_std":  batch.RewardStd,
			"difficulty":  float64(c.prompts.Difficulty()),
			"num_samples": float64((epoch + 1) * c.world.WorldSize() * c.cfg.SamplesPerEpoch()),
		}
		if err := c.sink.LogScalars(ctx, globalStep, values); err != nil {
			return nil, err
		}
		if c.cfg.Telemetry.LogImages {
			c.logSampleImages(ctx, globalStep, lastBatch)
		}
	}

	for _, tr := range allTrajectories(batch) {
		tr.DropOutput()
	}
	return batch, nil
}

// sampleBatch rolls out one trajectory per prompt and appends everything to
// the epoch batch. It returns the new trajectories for curriculum feedback
// and image logging.
func (c *Collector) sampleBatch(ctx context.Context, batch *EpochBatch) ([]*core.Trajectory, error) {
	prompts, metas, err := c.drawPrompts(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.sample(ctx, prompts, nil)
	if err != nil {
		return nil, err
	}
	rewards, err := c.score(ctx, res.Outputs, prompts, metas)
	if err != nil {
		return nil, err
	}

	trajs := make([]*core.Trajectory, len(prompts))
	for i := range prompts {
		tr := res.Trajectory(i, uuid.New().String(), prompts[i], metas[i])
		tr.Reward = rewards[i]
		trajs[i] = tr
		batch.Trajectories = append(batch.Trajectories, tr)
		batch.Prompts = append(batch.Prompts, prompts[i])
		batch.Rewards = append(batch.Rewards, tr.ScalarReward())
	}
	return trajs, nil
}

// samplePairedBatch rolls out two trajectories per prompt that share initial
// noise, scores both and converts each reward pair into preference labels.
func (c *Collector) samplePairedBatch(ctx context.Context, batch *EpochBatch) ([]*core.Trajectory, error) {
	prompts, metas, err := c.drawPrompts(ctx)
	if err != nil {
		return nil, err
	}

	first, err := c.sample(ctx, prompts, nil)
	if err != nil {
		return nil, err
	}
	inits := make([]*core.Tensor, len(prompts))
	for i := range prompts {
		inits[i] = first.States[i][0]
	}
	second, err := c.sample(ctx, prompts, inits)
	if err != nil {
		return nil, err
	}

	firstRewards, err := c.score(ctx, first.Outputs, prompts, metas)
	if err != nil {
		return nil, err
	}
	secondRewards, err := c.score(ctx, second.Outputs, prompts, metas)
	if err != nil {
		return nil, err
	}

	trajs := make([]*core.Trajectory, 0, 2*len(prompts))
	for i := range prompts {
		a := first.Trajectory(i, uuid.New().String(), prompts[i], metas[i])
		a.Reward = firstRewards[i]
		b := second.Trajectory(i, uuid.New().String(), prompts[i], metas[i])
		b.Reward = secondRewards[i]

		prefs, err := DominationPrefs(a.Reward, b.Reward)
		if err != nil {
			return nil, err
		}
		batch.Pairs = append(batch.Pairs, &core.TrajectoryPair{First: a, Second: b, Prefs: prefs})
		trajs = append(trajs, a, b)
	}
	return trajs, nil
}

func (c *Collector) drawPrompts(ctx context.Context) ([]string, []map[string]string, error) {
	n := c.cfg.Sample.BatchSize
	prompts := make([]string, n)
	metas := make([]map[string]string, n)
	for i := 0; i < n; i++ {
		item, err := c.prompts.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		prompts[i] = item.Text
		metas[i] = item.Metadata
	}
	return prompts, metas, nil
}

func (c *Collector) sample(ctx context.Context, prompts []string, inits []*core.Tensor) (*core.SampleResult, error) {
	req := &core.SampleRequest{
		Prompts:        prompts,
		NegativePrompt: c.cfg.Sample.NegativePrompt,
		NumSteps:       c.cfg.Sample.NumSteps,
		GuidanceScale:  c.cfg.Sample.GuidanceScale,
		Eta:            c.cfg.Sample.Eta,
		Seed:           c.rng.Int63(),
		InitialStates:  inits,
	}
	res, err := c.sampler.Sample(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, errors.SamplingFailed, "sampler failed")
	}
	if err := res.Validate(req); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Collector) score(ctx context.Context, outputs []*core.Tensor, prompts []string, metas []map[string]string) ([][]float64, error) {
	res, err := c.scorer.Score(ctx, &core.ScoreRequest{
		Outputs:  outputs,
		Prompts:  prompts,
		Metadata: metas,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ScoringFailed, "scorer failed")
	}
	if len(res.Rewards) != len(prompts) {
		return nil, errors.WithFields(
			errors.New(errors.ScoringFailed, "scorer returned wrong reward count"),
			errors.Fields{"want": len(prompts), "got": len(res.Rewards)})
	}
	for i, row := range res.Rewards {
		if len(row) == 0 {
			return nil, errors.WithFields(
				errors.New(errors.ScoringFailed, "scorer returned an empty reward"),
				errors.Fields{"item": i})
		}
	}
	return res.Rewards, nil
}

// logSampleImages renders up to images_per_epoch of the last batch's outputs
// into the sink. Encoding failures are logged and skipped; sample images are
// best-effort.
func (c *Collector) logSampleImages(ctx context.Context, step int64, trajs []*core.Trajectory) {
	logger := logging.GetLogger()
	limit := c.cfg.Telemetry.ImagesPerEpoch
	for i, tr := range trajs {
		if i >= limit {
			break
		}
		img, err := scorers.TensorImage(tr.Output)
		if err != nil {
			logger.Warn(ctx, "skipping sample image %d: %v", i, err)
			continue
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			logger.Warn(ctx, "skipping sample image %d: %v", i, err)
			continue
		}
		caption := fmt.Sprintf("%.25s | %.2f", tr.Prompt, tr.ScalarReward())
		name := fmt.Sprintf("sample_%d", i)
		if err := c.sink.LogImage(ctx, step, name, caption, buf.Bytes()); err != nil {
			logger.Warn(ctx, "failed to log sample image %d: %v", i, err)
		}
	}
}

// batchRewardMean averages every reward component in one sampling batch.
// This is the signal the curriculum controller sees.
func batchRewardMean(trajs []*core.Trajectory) float64 {
	var sum float64
	var n int
	for _, tr := range trajs {
		for _, r := range tr.Reward {
			sum += r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func allTrajectories(batch *EpochBatch) []*core.Trajectory {
	if batch.Pairs == nil {
		return batch.Trajectories
	}
	out := make([]*core.Trajectory, 0, 2*len(batch.Pairs))
	for _, pr := range batch.Pairs {
		out = append(out, pr.First, pr.Second)
	}
	return out
}
