package trainer

import (
	"context"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

// Accumulator drives gradient accumulation across the denoising horizon. One
// optimizer step happens only after numTimesteps × accumSteps backward passes
// have contributed gradients; the step is preceded by a gradient-norm clip
// and followed immediately by a gradient clear. Window boundaries must land
// exactly on the last trained timestep of every accumSteps-th minibatch, and
// a miscount is fatal: silently misaligned windows would mix gradients from
// different minibatches into one step.
type Accumulator struct {
	opt          core.Optimizer
	maxGradNorm  float64
	accumSteps   int
	numTimesteps int

	backwards int
	lastNorm  float64
}

// NewAccumulator sizes the window as numTimesteps × accumSteps backward
// passes.
func NewAccumulator(opt core.Optimizer, numTimesteps, accumSteps int, maxGradNorm float64) (*Accumulator, error) {
	if numTimesteps < 1 || accumSteps < 1 {
		return nil, errors.WithFields(
			errors.New(errors.ConfigurationError, "accumulation window must be positive"),
			errors.Fields{"num_timesteps": numTimesteps, "accum_steps": accumSteps})
	}
	return &Accumulator{
		opt:          opt,
		maxGradNorm:  maxGradNorm,
		accumSteps:   accumSteps,
		numTimesteps: numTimesteps,
	}, nil
}

// AfterBackward records one backward pass at (minibatch, timestep) and, when
// the window is full, clips gradients and applies the optimizer step. It
// reports whether a step was taken.
func (a *Accumulator) AfterBackward(ctx context.Context, minibatch, timestep int) (bool, error) {
	a.backwards++
	if a.backwards < a.numTimesteps*a.accumSteps {
		return false, nil
	}

	if timestep != a.numTimesteps-1 || (minibatch+1)%a.accumSteps != 0 {
		return false, errors.WithFields(
			errors.New(errors.InvariantViolation, "optimizer step boundary out of phase"),
			errors.Fields{
				"minibatch":     minibatch,
				"timestep":      timestep,
				"num_timesteps": a.numTimesteps,
				"accum_steps":   a.accumSteps,
			})
	}

	norm, err := a.opt.ClipGradNorm(a.maxGradNorm)
	if err != nil {
		return false, err
	}
	a.lastNorm = norm
	if err := a.opt.Step(ctx); err != nil {
		return false, err
	}
	a.opt.ZeroGrad()
	a.backwards = 0
	return true, nil
}

// AssertSynced verifies that the last backward pass closed its window, i.e.
// an inner epoch never ends with gradients still pending.
func (a *Accumulator) AssertSynced() error {
	if a.backwards != 0 {
		return errors.WithFields(
			errors.New(errors.InvariantViolation, "inner epoch ended with accumulated gradients pending"),
			errors.Fields{"pending_backwards": a.backwards})
	}
	return nil
}

// LastGradNorm reports the pre-clip gradient norm of the most recent
// optimizer step.
func (a *Accumulator) LastGradNorm() float64 {
	return a.lastNorm
}
