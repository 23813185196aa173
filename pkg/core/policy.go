package core

import (
	"context"
)

// TransitionBatch is a flat slice of recorded transitions for the policy to
// re-evaluate: row i asks for the log-probability of producing Nexts[i] from
// States[i] at Timesteps[i], conditioned on Prompts[i].
type TransitionBatch struct {
	Prompts   []string
	States    []*Tensor
	Nexts     []*Tensor
	Timesteps []int64
}

// Size returns the number of rows.
func (b *TransitionBatch) Size() int {
	return len(b.States)
}

// Policy evaluates transition log-probabilities under a fixed set of
// parameters. The frozen reference copy used by preference training
// implements only this.
type Policy interface {
	LogProbs(ctx context.Context, batch *TransitionBatch) ([]float64, error)
}

// TrainablePolicy is a policy whose parameters receive gradients. A call to
// LogProbs followed by Accumulate forms one forward/backward pair over the
// same batch; the trainer never interleaves pairs, so implementations may
// retain whatever activations they need between the two calls.
type TrainablePolicy interface {
	Policy

	// Accumulate adds parameter gradients for the most recent LogProbs
	// evaluation. upstream[i] is the loss gradient with respect to that
	// evaluation's i-th log-probability.
	Accumulate(ctx context.Context, upstream []float64) error

	// Freeze returns an immutable deep copy of the current parameters for
	// use as a reference policy. Called once at run start.
	Freeze(ctx context.Context) (Policy, error)

	// Snapshot and Restore serialize parameters for checkpointing. The
	// payload is opaque to the trainer.
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Optimizer applies accumulated gradients to the trainable policy.
type Optimizer interface {
	// Step applies accumulated gradients once and increments the step
	// counter.
	Step(ctx context.Context) error

	// ZeroGrad clears accumulated gradients.
	ZeroGrad()

	// ClipGradNorm rescales accumulated gradients so their global L2 norm
	// does not exceed max, returning the pre-clip norm.
	ClipGradNorm(max float64) (float64, error)

	// Steps reports how many optimizer steps have been applied in total.
	Steps() int64

	// Snapshot and Restore serialize optimizer state for checkpointing.
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}
