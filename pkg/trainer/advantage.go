package trainer

import (
	"context"
	"math"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/stats"
)

// advantageEpsilon keeps batch-global normalization finite when every reward
// in the epoch is identical.
const advantageEpsilon = 1e-8

// AdvantageEngine turns raw rewards into policy-gradient weights. Statistics
// are computed over the cross-worker union of the epoch's rewards; local-only
// normalization would bias each worker toward its own prompt shard.
type AdvantageEngine struct {
	tracker *stats.Tracker // nil disables per-prompt baselines
	world   core.Collective
	clipMax float64
}

// NewAdvantageEngine wires the per-prompt tracker (nil for batch-global
// normalization only) and the collective used to gather rewards. clipMax
// bounds each advantage's magnitude.
func NewAdvantageEngine(tracker *stats.Tracker, world core.Collective, clipMax float64) *AdvantageEngine {
	return &AdvantageEngine{tracker: tracker, world: world, clipMax: clipMax}
}

// Compute gathers every worker's (prompt, reward) pairs, normalizes the union
// into advantages, clamps them and hands back the slice belonging to this
// worker. Gather ordering is rank-major, so the local slice starts at
// rank × len(rewards).
func (e *AdvantageEngine) Compute(ctx context.Context, prompts []string, rewards []float64) ([]float64, error) {
	if len(prompts) != len(rewards) {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "prompts misaligned with rewards"),
			errors.Fields{"prompts": len(prompts), "rewards": len(rewards)})
	}
	if len(rewards) == 0 {
		return []float64{}, nil
	}

	allPrompts, err := e.world.GatherStrings(ctx, prompts)
	if err != nil {
		return nil, errors.Wrap(err, errors.CollectiveFailed, "failed to gather prompts")
	}
	allRewards, err := e.world.GatherFloats(ctx, rewards)
	if err != nil {
		return nil, errors.Wrap(err, errors.CollectiveFailed, "failed to gather rewards")
	}

	var advantages []float64
	if e.tracker != nil {
		advantages = e.tracker.Update(allPrompts, allRewards)
	} else {
		advantages = globalAdvantages(allRewards)
	}
	for i, a := range advantages {
		advantages[i] = clamp(a, -e.clipMax, e.clipMax)
	}

	start := e.world.Rank() * len(rewards)
	return advantages[start : start+len(rewards)], nil
}

// globalAdvantages normalizes against the whole batch's mean and spread.
func globalAdvantages(rewards []float64) []float64 {
	mean, std := meanStd(rewards)
	out := make([]float64, len(rewards))
	for i, r := range rewards {
		out[i] = (r - mean) / (std + advantageEpsilon)
	}
	return out
}

// meanStd returns the mean and population standard deviation, (0, 0) for an
// empty slice.
func meanStd(vals []float64) (mean, std float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
