package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightfold/difftune/pkg/core"
)

func sampleOnce(t *testing.T, policy *Policy, req *core.SampleRequest) *core.SampleResult {
	t.Helper()
	res, err := NewSampler(policy).Sample(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, res.Validate(req))
	return res
}

func TestSamplerShapesAndDeterminism(t *testing.T) {
	policy := NewPolicy(3, 4, 4)
	req := &core.SampleRequest{
		Prompts:  []string{"a cat", "a dog"},
		NumSteps: 5,
		Eta:      1.0,
		Seed:     42,
	}

	res := sampleOnce(t, policy, req)
	require.Len(t, res.States, 2)
	assert.Len(t, res.States[0], 6, "num_steps+1 states")
	assert.Len(t, res.LogProbs[0], 5, "num_steps log-probs")
	assert.Len(t, res.Timesteps, 5)
	assert.Greater(t, res.Timesteps[0], res.Timesteps[4], "timesteps descend")

	again := sampleOnce(t, policy, req)
	assert.Equal(t, res.States[0][3].Data, again.States[0][3].Data,
		"identical request replays the identical trajectory")
	assert.Equal(t, res.LogProbs[1], again.LogProbs[1])

	other := sampleOnce(t, policy, &core.SampleRequest{
		Prompts:  req.Prompts,
		NumSteps: req.NumSteps,
		Eta:      req.Eta,
		Seed:     43,
	})
	assert.NotEqual(t, res.LogProbs[0], other.LogProbs[0], "new seed, new noise")
}

func TestSamplerSharedInitialState(t *testing.T) {
	policy := NewPolicy(3, 2, 2)
	first := sampleOnce(t, policy, &core.SampleRequest{
		Prompts: []string{"p"}, NumSteps: 3, Eta: 1, Seed: 1,
	})

	init := first.States[0][0]
	second := sampleOnce(t, policy, &core.SampleRequest{
		Prompts: []string{"p"}, NumSteps: 3, Eta: 1, Seed: 2,
		InitialStates: []*core.Tensor{init},
	})

	assert.Equal(t, init.Data, second.States[0][0].Data, "pair shares the initial noise")
	assert.NotEqual(t, first.States[0][1].Data, second.States[0][1].Data,
		"denoising paths diverge after the shared start")
}

func TestLogProbsMatchSamplingPolicy(t *testing.T) {
	ctx := context.Background()
	policy := NewPolicy(3, 2, 2)
	res := sampleOnce(t, policy, &core.SampleRequest{
		Prompts: []string{"p"}, NumSteps: 4, Eta: 0.5, Seed: 9,
	})

	batch := &core.TransitionBatch{
		Prompts:   []string{"p", "p", "p", "p"},
		States:    res.States[0][:4],
		Nexts:     res.States[0][1:5],
		Timesteps: res.Timesteps,
	}
	got, err := policy.LogProbs(ctx, batch)
	require.NoError(t, err)
	for j := range got {
		assert.InDelta(t, res.LogProbs[0][j], got[j], 1e-9,
			"recorded log-prob equals recomputation under unchanged drift")
	}
}

func TestAccumulateAndStep(t *testing.T) {
	ctx := context.Background()
	policy := NewPolicy(2)
	opt := NewOptimizer(policy, 0.1)

	state := core.NewTensor(2)
	next := core.NewTensor(2)
	next.Data[0], next.Data[1] = 1.0, -2.0

	batch := &core.TransitionBatch{
		Prompts:   []string{"p"},
		States:    []*core.Tensor{state},
		Nexts:     []*core.Tensor{next},
		Timesteps: []int64{1},
	}
	_, err := policy.LogProbs(ctx, batch)
	require.NoError(t, err)

	// upstream = dloss/dlogp = -1, dlogp/dtheta = next - state - theta.
	require.NoError(t, policy.Accumulate(ctx, []float64{-1}))
	assert.Equal(t, int64(1), policy.Backwards())
	assert.InDelta(t, -1.0, policy.grad[0], 1e-12)
	assert.InDelta(t, 2.0, policy.grad[1], 1e-12)

	require.NoError(t, opt.Step(ctx))
	assert.Equal(t, int64(1), opt.Steps())
	assert.InDelta(t, 0.1, policy.theta[0], 1e-12, "theta moves against the gradient")
	assert.InDelta(t, -0.2, policy.theta[1], 1e-12)

	opt.ZeroGrad()
	assert.Zero(t, policy.grad[0])
	assert.Zero(t, policy.grad[1])
}

func TestAccumulateRejectsMisalignedUpstream(t *testing.T) {
	ctx := context.Background()
	policy := NewPolicy(2)

	batch := &core.TransitionBatch{
		Prompts:   []string{"p"},
		States:    []*core.Tensor{core.NewTensor(2)},
		Nexts:     []*core.Tensor{core.NewTensor(2)},
		Timesteps: []int64{1},
	}
	_, err := policy.LogProbs(ctx, batch)
	require.NoError(t, err)

	assert.Error(t, policy.Accumulate(ctx, []float64{1, 2}))
}

func TestClipGradNorm(t *testing.T) {
	policy := NewPolicy(2)
	opt := NewOptimizer(policy, 0.1)
	policy.grad[0], policy.grad[1] = 3.0, 4.0

	norm, err := opt.ClipGradNorm(1.0)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, norm, 1e-12, "returns the pre-clip norm")
	assert.InDelta(t, 0.6, policy.grad[0], 1e-12)
	assert.InDelta(t, 0.8, policy.grad[1], 1e-12)

	norm, err = opt.ClipGradNorm(10.0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, norm, 1e-12)
	assert.InDelta(t, 0.6, policy.grad[0], 1e-12, "below the cap nothing changes")

	_, err = opt.ClipGradNorm(0)
	assert.Error(t, err)
}

func TestFreezeIsImmutable(t *testing.T) {
	ctx := context.Background()
	policy := NewPolicy(2)
	policy.theta[0] = 0.5

	ref, err := policy.Freeze(ctx)
	require.NoError(t, err)

	// Training moves the live policy; the reference must not follow.
	policy.theta[0] = 2.0

	batch := &core.TransitionBatch{
		Prompts:   []string{"p"},
		States:    []*core.Tensor{core.NewTensor(2)},
		Nexts:     []*core.Tensor{core.NewTensor(2)},
		Timesteps: []int64{1},
	}
	refLogp, err := ref.LogProbs(ctx, batch)
	require.NoError(t, err)
	assert.InDelta(t, -0.5*0.25, refLogp[0], 1e-12, "reference still sees theta=0.5")

	frozen, ok := ref.(*Policy)
	require.True(t, ok)
	assert.Error(t, frozen.Accumulate(ctx, []float64{1}), "reference never trains")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	policy := NewPolicy(3)
	policy.theta[0], policy.theta[1], policy.theta[2] = 0.1, -0.2, 0.3
	opt := NewOptimizer(policy, 0.05)
	require.NoError(t, opt.Step(ctx))

	pSnap, err := policy.Snapshot()
	require.NoError(t, err)
	oSnap, err := opt.Snapshot()
	require.NoError(t, err)

	restoredPolicy := NewPolicy(3)
	require.NoError(t, restoredPolicy.Restore(pSnap))
	assert.Equal(t, policy.Theta(), restoredPolicy.Theta())

	restoredOpt := NewOptimizer(restoredPolicy, 0)
	require.NoError(t, restoredOpt.Restore(oSnap))
	assert.Equal(t, int64(1), restoredOpt.Steps())

	wrong := NewPolicy(5)
	assert.Error(t, wrong.Restore(pSnap), "shape mismatch is rejected")
}
