// Package sim provides a small closed-form diffusion backend: a Gaussian
// random-walk sampler whose drift is the policy parameter. Log-probabilities
// and their gradients are exact, which makes the package suitable for
// end-to-end runs and tests without a real model server.
package sim

import (
	"bytes"
	"context"
	"encoding/gob"
	"math"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

// Policy scores a denoising transition state -> next as a unit-variance
// Gaussian step with learned drift theta:
//
//	logp = -0.5 * sum((next - state - theta)^2)
//
// The gradient of logp with respect to theta is (next - state - theta), so
// accumulation is exact rather than approximated.
type Policy struct {
	shape []int
	theta []float64
	grad  []float64

	// last forward batch, consumed by Accumulate
	lastStates []*core.Tensor
	lastNexts  []*core.Tensor

	backwards int64
	frozen    bool
}

// NewPolicy creates a policy for states of the given shape, with zero drift.
func NewPolicy(shape ...int) *Policy {
	n := 1
	for _, d := range shape {
		n *= d
	}
	dims := make([]int, len(shape))
	copy(dims, shape)
	return &Policy{
		shape: dims,
		theta: make([]float64, n),
		grad:  make([]float64, n),
	}
}

// Shape returns the state shape the policy operates on.
func (p *Policy) Shape() []int {
	out := make([]int, len(p.shape))
	copy(out, p.shape)
	return out
}

// Theta exposes the drift parameters for inspection in tests.
func (p *Policy) Theta() []float64 {
	out := make([]float64, len(p.theta))
	copy(out, p.theta)
	return out
}

// Backwards reports how many Accumulate calls the policy has served.
func (p *Policy) Backwards() int64 { return p.backwards }

// LogProbs evaluates every transition in the batch under the current drift
// and remembers the batch for the following Accumulate call.
func (p *Policy) LogProbs(ctx context.Context, batch *core.TransitionBatch) ([]float64, error) {
	if err := errors.CheckContext(ctx, "policy forward"); err != nil {
		return nil, err
	}
	if batch == nil || batch.Size() == 0 {
		return nil, errors.New(errors.InvalidInput, "empty transition batch")
	}

	out := make([]float64, batch.Size())
	for i := 0; i < batch.Size(); i++ {
		lp, err := p.logProb(batch.States[i], batch.Nexts[i])
		if err != nil {
			return nil, err
		}
		out[i] = lp
	}

	if !p.frozen {
		p.lastStates = batch.States
		p.lastNexts = batch.Nexts
	}
	return out, nil
}

func (p *Policy) logProb(state, next *core.Tensor) (float64, error) {
	if state == nil || next == nil || state.Len() != len(p.theta) || next.Len() != len(p.theta) {
		return 0, errors.New(errors.InvalidInput, "transition shape does not match policy")
	}
	sum := 0.0
	for i := range p.theta {
		d := next.Data[i] - state.Data[i] - p.theta[i]
		sum += d * d
	}
	return -0.5 * sum, nil
}

// Accumulate folds upstream gradients (d loss / d logp, one per transition
// of the preceding LogProbs call) into the drift gradient buffer.
func (p *Policy) Accumulate(ctx context.Context, upstream []float64) error {
	if err := errors.CheckContext(ctx, "gradient accumulation"); err != nil {
		return err
	}
	if p.frozen {
		return errors.New(errors.InvalidInput, "frozen policy cannot accumulate gradients")
	}
	if len(upstream) != len(p.lastStates) {
		return errors.WithFields(
			errors.New(errors.InvalidInput, "upstream gradient count does not match forward batch"),
			errors.Fields{"upstream": len(upstream), "batch": len(p.lastStates)})
	}

	for i, u := range upstream {
		if u == 0 {
			continue
		}
		state, next := p.lastStates[i], p.lastNexts[i]
		for j := range p.theta {
			p.grad[j] += u * (next.Data[j] - state.Data[j] - p.theta[j])
		}
	}
	p.backwards++
	return nil
}

// Freeze returns an immutable snapshot of the policy for reference scoring.
func (p *Policy) Freeze(ctx context.Context) (core.Policy, error) {
	if err := errors.CheckContext(ctx, "policy freeze"); err != nil {
		return nil, err
	}
	ref := NewPolicy(p.shape...)
	copy(ref.theta, p.theta)
	ref.frozen = true
	return ref, nil
}

type policySnapshot struct {
	Shape []int
	Theta []float64
}

// Snapshot encodes the drift parameters.
func (p *Policy) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(policySnapshot{Shape: p.shape, Theta: p.theta})
	if err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "failed to encode policy")
	}
	return buf.Bytes(), nil
}

// Restore replaces the drift parameters from a snapshot.
func (p *Policy) Restore(data []byte) error {
	var snap policySnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return errors.Wrap(err, errors.CheckpointFailed, "failed to decode policy")
	}
	if len(snap.Theta) != len(p.theta) {
		return errors.Newf(errors.InvalidInput,
			"snapshot has %d parameters, policy has %d", len(snap.Theta), len(p.theta))
	}
	copy(p.theta, snap.Theta)
	return nil
}

var _ core.TrainablePolicy = (*Policy)(nil)

// Optimizer applies plain gradient descent to a Policy's drift.
type Optimizer struct {
	policy *Policy
	lr     float64
	steps  int64
}

// NewOptimizer wraps the policy with a fixed learning rate.
func NewOptimizer(policy *Policy, lr float64) *Optimizer {
	return &Optimizer{policy: policy, lr: lr}
}

// Step applies the accumulated gradient and advances the step counter.
func (o *Optimizer) Step(ctx context.Context) error {
	if err := errors.CheckContext(ctx, "optimizer step"); err != nil {
		return err
	}
	for i, g := range o.policy.grad {
		o.policy.theta[i] -= o.lr * g
	}
	o.steps++
	return nil
}

// ZeroGrad clears the gradient buffer.
func (o *Optimizer) ZeroGrad() {
	for i := range o.policy.grad {
		o.policy.grad[i] = 0
	}
}

// ClipGradNorm rescales the gradient to the given L2 norm if it exceeds it,
// returning the norm before clipping.
func (o *Optimizer) ClipGradNorm(max float64) (float64, error) {
	if max <= 0 {
		return 0, errors.New(errors.InvalidInput, "max grad norm must be positive")
	}
	sum := 0.0
	for _, g := range o.policy.grad {
		sum += g * g
	}
	norm := math.Sqrt(sum)
	if norm > max {
		scale := max / norm
		for i := range o.policy.grad {
			o.policy.grad[i] *= scale
		}
	}
	return norm, nil
}

// Steps reports how many optimizer steps have been taken.
func (o *Optimizer) Steps() int64 { return o.steps }

type optimizerSnapshot struct {
	LR    float64
	Steps int64
}

// Snapshot encodes the optimizer state.
func (o *Optimizer) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(optimizerSnapshot{LR: o.lr, Steps: o.steps})
	if err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "failed to encode optimizer")
	}
	return buf.Bytes(), nil
}

// Restore replaces the optimizer state from a snapshot.
func (o *Optimizer) Restore(data []byte) error {
	var snap optimizerSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return errors.Wrap(err, errors.CheckpointFailed, "failed to decode optimizer")
	}
	o.lr = snap.LR
	o.steps = snap.Steps
	return nil
}

var _ core.Optimizer = (*Optimizer)(nil)
