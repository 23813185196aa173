package trainer

import (
	"context"

	"github.com/lightfold/difftune/pkg/config"
	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

// StepStats carries one backward pass's diagnostics, averaged over the
// column it was computed from.
type StepStats struct {
	Loss     float64
	ApproxKL float64
	ClipFrac float64
}

// UpdateRule is one of the interchangeable policy-update algorithms. Every
// rule evaluates the trainable policy on one minibatch column, computes the
// surrogate loss and pushes the loss gradient into the policy's accumulator.
// Whether a rule consumes single trajectories or pairs is expressed by which
// of the two step interfaces it implements.
type UpdateRule interface {
	Name() string
}

// TrajectoryRule trains on single-trajectory minibatches with advantages.
type TrajectoryRule interface {
	UpdateRule
	Step(ctx context.Context, batch *Minibatch, j int) (*StepStats, error)
}

// PairRule trains on preference-labeled trajectory pairs.
type PairRule interface {
	UpdateRule
	PairStep(ctx context.Context, batch *PairMinibatch, j int) (*StepStats, error)
}

// NewUpdateRule builds the rule the algorithm name selects. ref is required
// by the preference rule and ignored by the others; unknown names are fatal.
func NewUpdateRule(algorithm string, cfg config.TrainConfig, policy core.TrainablePolicy, ref core.Policy) (UpdateRule, error) {
	switch algorithm {
	case "ddpo":
		return &PPOClip{policy: policy, clipRange: cfg.ClipRange}, nil
	case "dpok":
		return &KLPPO{
			PPOClip: PPOClip{policy: policy, clipRange: cfg.ClipRange},
			klRatio: cfg.KLRatio,
		}, nil
	case "d3po":
		if ref == nil {
			return nil, errors.New(errors.ConfigurationError,
				"preference rule requires a frozen reference policy")
		}
		return &Preference{policy: policy, ref: ref, beta: cfg.Beta, eps: cfg.Eps}, nil
	default:
		return nil, errors.Newf(errors.UnsupportedAlgorithm, "unknown algorithm %q", algorithm)
	}
}
