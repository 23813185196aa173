package trainer

import (
	"context"
	"math"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

// PPOClip is the single-trajectory clipped-surrogate rule: the importance
// ratio against the sampling-time log-probability is advantage-weighted and
// pessimistically clipped to the trust region [1-ε, 1+ε].
type PPOClip struct {
	policy    core.TrainablePolicy
	clipRange float64
}

func (r *PPOClip) Name() string { return "ddpo" }

// Step evaluates column j, accumulates the loss gradient and reports the
// column's diagnostics.
func (r *PPOClip) Step(ctx context.Context, batch *Minibatch, j int) (*StepStats, error) {
	newLP, err := r.policy.LogProbs(ctx, batch.Column(j))
	if err != nil {
		return nil, err
	}
	oldLP := batch.OldLogProbs(j)
	adv := batch.Advantages()

	stats, upstream := ppoSurrogate(newLP, oldLP, adv, r.clipRange)
	if err := r.policy.Accumulate(ctx, upstream); err != nil {
		return nil, errors.Wrap(err, errors.InvariantViolation, "gradient accumulation failed")
	}
	return stats, nil
}

// ppoSurrogate computes the clipped surrogate's mean loss, diagnostics and
// the per-sample loss gradient with respect to the new log-probabilities.
// The gradient is zero wherever the clipped branch is active (the clamp is
// saturated there); otherwise d(loss_i)/d(logp_i) = -adv_i * ratio_i / n.
func ppoSurrogate(newLP, oldLP, adv []float64, clipRange float64) (*StepStats, []float64) {
	n := float64(len(newLP))
	stats := &StepStats{}
	upstream := make([]float64, len(newLP))
	for i := range newLP {
		delta := newLP[i] - oldLP[i]
		ratio := math.Exp(delta)
		unclipped := -adv[i] * ratio
		clipped := -adv[i] * clamp(ratio, 1-clipRange, 1+clipRange)
		if unclipped >= clipped {
			stats.Loss += unclipped
			upstream[i] = -adv[i] * ratio / n
		} else {
			stats.Loss += clipped
		}
		stats.ApproxKL += 0.5 * delta * delta
		if math.Abs(ratio-1) > clipRange {
			stats.ClipFrac++
		}
	}
	stats.Loss /= n
	stats.ApproxKL /= n
	stats.ClipFrac /= n
	return stats, upstream
}

var _ TrajectoryRule = (*PPOClip)(nil)
