package trainer

import (
	"context"
	"math"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

// DominationPrefs compares two reward vectors and returns the pair's signed
// preference labels. One member dominates when the other's rewards are at
// least as low in every dimension and strictly lower in at least one; the
// dominated (elementwise-lower) member gets -1 and the winner +1. Mixed
// comparisons and exact ties yield (0, 0), which contributes a constant loss
// term and zero gradient.
func DominationPrefs(a, b []float64) ([2]float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return [2]float64{}, errors.WithFields(
			errors.New(errors.InvalidInput, "reward vectors are not comparable"),
			errors.Fields{"first": len(a), "second": len(b)})
	}
	aLow, bLow := true, true
	aStrict, bStrict := false, false
	for i := range a {
		if a[i] > b[i] {
			aLow = false
			bStrict = true
		}
		if b[i] > a[i] {
			bLow = false
			aStrict = true
		}
	}
	switch {
	case aLow && aStrict:
		return [2]float64{-1, 1}, nil
	case bLow && bStrict:
		return [2]float64{1, -1}, nil
	default:
		return [2]float64{0, 0}, nil
	}
}

// Preference is the pairwise rule: per pair, the log of each member's
// trainable-vs-reference probability ratio (clamped to [1-ε, 1+ε]) is
// weighted by its preference label, and the pair's loss is
// -log sigmoid(β · Σ). The reference policy is a frozen copy taken at run
// start and never updated.
type Preference struct {
	policy core.TrainablePolicy
	ref    core.Policy
	beta   float64
	eps    float64
}

func (r *Preference) Name() string { return "d3po" }

// PairStep evaluates both members of every pair at visit position j in one
// joint batch, accumulates the loss gradient and reports diagnostics against
// the reference policy.
func (r *Preference) PairStep(ctx context.Context, batch *PairMinibatch, j int) (*StepStats, error) {
	col := batch.JointColumn(j)

	// Reference first: the trainable policy's forward must be the one
	// immediately preceding Accumulate.
	refLP, err := r.ref.LogProbs(ctx, col)
	if err != nil {
		return nil, err
	}
	newLP, err := r.policy.LogProbs(ctx, col)
	if err != nil {
		return nil, err
	}

	p := len(batch.Rows)
	prefs := batch.Prefs()
	ratios := make([]float64, 2*p)
	stats := &StepStats{}
	for i := range ratios {
		delta := newLP[i] - refLP[i]
		ratios[i] = math.Exp(delta)
		stats.ApproxKL += 0.5 * delta * delta
		if math.Abs(ratios[i]-1) > r.eps {
			stats.ClipFrac++
		}
	}

	upstream := make([]float64, 2*p)
	for i := 0; i < p; i++ {
		var z float64
		for k := 0; k < 2; k++ {
			clamped := clamp(ratios[i+k*p], 1-r.eps, 1+r.eps)
			z += r.beta * prefs[i][k] * math.Log(clamped)
		}
		stats.Loss += negLogSigmoid(z)

		// d(loss)/d(logp) flows only through unclamped ratios, for which
		// d(log clamp(ratio))/d(logp) = 1.
		grad := (sigmoid(z) - 1) / float64(p)
		for k := 0; k < 2; k++ {
			if raw := ratios[i+k*p]; raw > 1-r.eps && raw < 1+r.eps {
				upstream[i+k*p] = grad * r.beta * prefs[i][k]
			}
		}
	}
	stats.Loss /= float64(p)
	stats.ApproxKL /= float64(2 * p)
	stats.ClipFrac /= float64(2 * p)

	if err := r.policy.Accumulate(ctx, upstream); err != nil {
		return nil, errors.Wrap(err, errors.InvariantViolation, "gradient accumulation failed")
	}
	return stats, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// negLogSigmoid is -log(sigmoid(z)) in the form that stays finite for large
// negative z.
func negLogSigmoid(z float64) float64 {
	if z >= 0 {
		return math.Log1p(math.Exp(-z))
	}
	return -z + math.Log1p(math.Exp(z))
}

var _ PairRule = (*Preference)(nil)
