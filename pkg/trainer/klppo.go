package trainer

import (
	"context"
	"math"

	"github.com/lightfold/difftune/pkg/errors"
)

// KLPPO is the clipped surrogate of PPOClip plus an additive penalty
// kl_ratio * KL(p ‖ q), where p and q are the softmax distributions the new
// and old log-probabilities induce over the minibatch column. The penalty
// pulls the updated policy toward the sampling-time policy beyond what the
// clip alone enforces.
type KLPPO struct {
	PPOClip
	klRatio float64
}

func (r *KLPPO) Name() string { return "dpok" }

func (r *KLPPO) Step(ctx context.Context, batch *Minibatch, j int) (*StepStats, error) {
	newLP, err := r.policy.LogProbs(ctx, batch.Column(j))
	if err != nil {
		return nil, err
	}
	oldLP := batch.OldLogProbs(j)
	adv := batch.Advantages()

	stats, upstream := ppoSurrogate(newLP, oldLP, adv, r.clipRange)

	// The KL term is one scalar per column, so its gradient is not averaged
	// over the rows: dKL/d(logp_i) = p_i * (log p_i - log q_i - KL).
	logP := logSoftmax(newLP)
	logQ := logSoftmax(oldLP)
	var kl float64
	for i := range logP {
		kl += math.Exp(logP[i]) * (logP[i] - logQ[i])
	}
	stats.Loss += r.klRatio * kl
	for i := range upstream {
		upstream[i] += r.klRatio * math.Exp(logP[i]) * (logP[i] - logQ[i] - kl)
	}

	if err := r.policy.Accumulate(ctx, upstream); err != nil {
		return nil, errors.Wrap(err, errors.InvariantViolation, "gradient accumulation failed")
	}
	return stats, nil
}

// logSoftmax is computed with the max trick so large log-probabilities do not
// overflow the exponentials.
func logSoftmax(logits []float64) []float64 {
	max := math.Inf(-1)
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(v - max)
	}
	lse := max + math.Log(sum)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = v - lse
	}
	return out
}

var _ TrajectoryRule = (*KLPPO)(nil)
