package trainer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lightfold/difftune/internal/testutil"
	"github.com/lightfold/difftune/pkg/config"
	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/curriculum"
	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/sim"
	"github.com/lightfold/difftune/pkg/telemetry"
)

// memSink records everything logged to it.
type memSink struct {
	steps    []int64
	scalars  []map[string]float64
	images   []string
	captions []string
}

func (s *memSink) LogScalars(_ context.Context, step int64, values map[string]float64) error {
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.steps = append(s.steps, step)
	s.scalars = append(s.scalars, copied)
	return nil
}

func (s *memSink) LogImage(_ context.Context, _ int64, name, caption string, _ []byte) error {
	s.images = append(s.images, name)
	s.captions = append(s.captions, caption)
	return nil
}

func (s *memSink) Close() error { return nil }

var _ telemetry.Sink = (*memSink)(nil)

func collectorConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Sample = config.SampleConfig{
		NumSteps:           4,
		GuidanceScale:      1,
		Eta:                1,
		BatchSize:          2,
		NumBatchesPerEpoch: 3,
	}
	cfg.Telemetry = config.TelemetryConfig{Sink: "none"}
	return cfg
}

// eagerController raises the tier after every batch whose mean reward
// clears 0.5.
func eagerController(t *testing.T, maxTier int) *curriculum.Controller {
	t.Helper()
	strategy := &curriculum.MovingAverage{Window: 1, RaiseAbove: 0.5, LowerBelow: -100}
	ctrl, err := curriculum.NewController(0, maxTier, strategy, 1)
	require.NoError(t, err)
	return ctrl
}

func TestCollectEpochSingleMode(t *testing.T) {
	ctx := context.Background()
	policy := sim.NewPolicy(3, 2, 2)
	prompts := &testutil.SlicePrompts{Prompts: []string{"a", "b"}, Min: 0, Max: 3}
	scorer := &testutil.FnScorer{
		Reward: func(string, *core.Tensor) []float64 { return []float64{1.0} },
	}
	sink := &memSink{}
	cfg := collectorConfig()

	collector := NewCollector(cfg, Env{
		Sampler: sim.NewSampler(policy),
		Scorer:  scorer,
		Prompts: prompts,
		World:   core.NewLocal(),
		Sink:    sink,
	}, eagerController(t, 3), false, 42)

	batch, err := collector.CollectEpoch(ctx, 0, 0)
	require.NoError(t, err)

	require.Len(t, batch.Trajectories, 6)
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, batch.Prompts)
	assert.Nil(t, batch.Pairs)
	for _, tr := range batch.Trajectories {
		assert.Equal(t, 4, tr.NumSteps())
		assert.Nil(t, tr.Output, "rendered outputs are dropped at epoch end")
		assert.Equal(t, []float64{1.0}, tr.Reward)
		assert.NotEmpty(t, tr.ID)
	}
	assert.InDelta(t, 1.0, batch.RewardMean, 1e-9)
	assert.InDelta(t, 0.0, batch.RewardStd, 1e-9)

	// A constant reward of 1 clears the raise threshold after every batch.
	assert.Equal(t, []int{1, 2, 3}, prompts.Switches)

	require.Len(t, sink.scalars, 1)
	assert.Equal(t, int64(0), sink.steps[0])
	assert.InDelta(t, 1.0, sink.scalars[0]["reward_mean"], 1e-9)
	assert.InDelta(t, 3.0, sink.scalars[0]["difficulty"], 1e-9)
	assert.InDelta(t, 6.0, sink.scalars[0]["num_samples"], 1e-9)
	assert.Empty(t, sink.images, "image logging is off")
}

func TestCollectEpochPairedMode(t *testing.T) {
	ctx := context.Background()
	policy := sim.NewPolicy(3, 2, 2)
	prompts := &testutil.SlicePrompts{Prompts: []string{"a", "b"}, Min: 0, Max: 3}
	scorer := &testutil.FnScorer{
		Dim: 2,
		Reward: func(_ string, out *core.Tensor) []float64 {
			var sum float64
			for _, v := range out.Data {
				sum += v
			}
			return []float64{sum, sum / 2}
		},
	}
	cfg := collectorConfig()
	cfg.Sample.NumBatchesPerEpoch = 2

	collector := NewCollector(cfg, Env{
		Sampler: sim.NewSampler(policy),
		Scorer:  scorer,
		Prompts: prompts,
		World:   core.NewLocal(),
		Sink:    telemetry.NopSink{},
	}, eagerController(t, 3), true, 42)

	batch, err := collector.CollectEpoch(ctx, 0, 0)
	require.NoError(t, err)

	require.Len(t, batch.Pairs, 4)
	assert.Nil(t, batch.Trajectories)
	assert.Empty(t, batch.Prompts)

	decided := 0
	for _, pr := range batch.Pairs {
		assert.Equal(t, pr.First.Prompt, pr.Second.Prompt)
		assert.Equal(t, pr.First.Steps[0].State.Data, pr.Second.Steps[0].State.Data,
			"pair members share the initial noise")
		assert.NotEqual(t, pr.First.Steps[0].Next.Data, pr.Second.Steps[0].Next.Data,
			"denoising paths diverge")
		assert.Nil(t, pr.First.Output)
		assert.Nil(t, pr.Second.Output)

		want, err := DominationPrefs(pr.First.Reward, pr.Second.Reward)
		require.NoError(t, err)
		assert.Equal(t, want, pr.Prefs)
		if pr.Prefs != [2]float64{0, 0} {
			decided++
		}
	}
	assert.Greater(t, decided, 0, "distinct rollouts produce at least one decided pair")
}

func TestCollectEpochLogsSampleImages(t *testing.T) {
	ctx := context.Background()
	policy := sim.NewPolicy(3, 2, 2)
	prompts := &testutil.SlicePrompts{Prompts: []string{"a very long prompt that should be truncated"}, Min: 0, Max: 1}
	scorer := &testutil.FnScorer{
		Reward: func(string, *core.Tensor) []float64 { return []float64{0.25} },
	}
	sink := &memSink{}
	cfg := collectorConfig()
	cfg.Sample.NumBatchesPerEpoch = 1
	cfg.Telemetry.LogImages = true
	cfg.Telemetry.ImagesPerEpoch = 1

	collector := NewCollector(cfg, Env{
		Sampler: sim.NewSampler(policy),
		Scorer:  scorer,
		Prompts: prompts,
		World:   core.NewLocal(),
		Sink:    sink,
	}, eagerController(t, 1), false, 7)

	_, err := collector.CollectEpoch(ctx, 0, 0)
	require.NoError(t, err)

	require.Len(t, sink.images, 1, "batch size 2 capped at images_per_epoch")
	assert.Equal(t, "sample_0", sink.images[0])
	assert.Contains(t, sink.captions[0], " | 0.25")
	assert.LessOrEqual(t, len(strings.Split(sink.captions[0], " | ")[0]), 25)
}

func TestCollectEpochPropagatesBackendFailures(t *testing.T) {
	ctx := context.Background()
	prompts := &testutil.SlicePrompts{Prompts: []string{"a"}, Min: 0, Max: 1}
	cfg := collectorConfig()
	cfg.Sample.BatchSize = 1
	cfg.Sample.NumBatchesPerEpoch = 1

	sampler := new(testutil.MockSampler)
	sampler.On("Sample", mock.Anything, mock.Anything).
		Return(nil, errors.New(errors.Unknown, "backend down"))
	collector := NewCollector(cfg, Env{
		Sampler: sampler,
		Scorer:  &testutil.FnScorer{Reward: func(string, *core.Tensor) []float64 { return []float64{0} }},
		Prompts: prompts,
		World:   core.NewLocal(),
		Sink:    telemetry.NopSink{},
	}, eagerController(t, 1), false, 1)

	_, err := collector.CollectEpoch(ctx, 0, 0)
	assert.Equal(t, errors.SamplingFailed, errors.CodeOf(err))

	policy := sim.NewPolicy(3, 2, 2)
	scorer := new(testutil.MockScorer)
	scorer.On("Score", mock.Anything, mock.Anything).
		Return(nil, errors.New(errors.Unknown, "scorer down"))
	collector = NewCollector(cfg, Env{
		Sampler: sim.NewSampler(policy),
		Scorer:  scorer,
		Prompts: prompts,
		World:   core.NewLocal(),
		Sink:    telemetry.NopSink{},
	}, eagerController(t, 1), false, 1)

	_, err = collector.CollectEpoch(ctx, 0, 0)
	assert.Equal(t, errors.ScoringFailed, errors.CodeOf(err))
}
