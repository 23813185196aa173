package testutil

import (
	"context"
	"fmt"

	"github.com/lightfold/difftune/pkg/core"
)

// FnScorer computes rewards with a plain function, one call per item.
type FnScorer struct {
	Dim    int
	Reward func(prompt string, output *core.Tensor) []float64

	// Requests records every batch the scorer saw.
	Requests []*core.ScoreRequest
}

func (s *FnScorer) RewardSize() int {
	if s.Dim > 0 {
		return s.Dim
	}
	return 1
}

func (s *FnScorer) Score(_ context.Context, req *core.ScoreRequest) (*core.ScoreResult, error) {
	s.Requests = append(s.Requests, req)
	rewards := make([][]float64, len(req.Outputs))
	for i := range req.Outputs {
		rewards[i] = s.Reward(req.Prompts[i], req.Outputs[i])
	}
	return &core.ScoreResult{Rewards: rewards}, nil
}

// StubPolicy evaluates transitions with a caller-supplied function and
// records every upstream gradient batch handed to Accumulate.
type StubPolicy struct {
	// LogProb maps one transition to a log-probability. The default is 0.
	LogProb func(prompt string, state, next *core.Tensor, timestep int64) float64

	// Upstreams holds one slice per Accumulate call, in order.
	Upstreams [][]float64

	lastBatch int
}

func (p *StubPolicy) LogProbs(_ context.Context, batch *core.TransitionBatch) ([]float64, error) {
	out := make([]float64, batch.Size())
	if p.LogProb != nil {
		for i := range out {
			out[i] = p.LogProb(batch.Prompts[i], batch.States[i], batch.Nexts[i], batch.Timesteps[i])
		}
	}
	p.lastBatch = batch.Size()
	return out, nil
}

func (p *StubPolicy) Accumulate(_ context.Context, upstream []float64) error {
	if len(upstream) != p.lastBatch {
		return fmt.Errorf("upstream size %d does not match batch size %d", len(upstream), p.lastBatch)
	}
	copied := make([]float64, len(upstream))
	copy(copied, upstream)
	p.Upstreams = append(p.Upstreams, copied)
	return nil
}

func (p *StubPolicy) Freeze(context.Context) (core.Policy, error) {
	frozen := &StubPolicy{LogProb: p.LogProb}
	return frozen, nil
}

func (p *StubPolicy) Snapshot() ([]byte, error) { return []byte("stub"), nil }

func (p *StubPolicy) Restore([]byte) error { return nil }

// Backwards reports how many Accumulate calls the policy has seen.
func (p *StubPolicy) Backwards() int { return len(p.Upstreams) }

// CountingOptimizer tracks step/zero/clip calls without touching any
// parameters. OnStep, when set, runs inside every Step.
type CountingOptimizer struct {
	StepCount int64
	ZeroCount int
	ClipNorms []float64
	OnStep    func()
}

func (o *CountingOptimizer) Step(context.Context) error {
	o.StepCount++
	if o.OnStep != nil {
		o.OnStep()
	}
	return nil
}

func (o *CountingOptimizer) ZeroGrad() { o.ZeroCount++ }

func (o *CountingOptimizer) ClipGradNorm(max float64) (float64, error) {
	o.ClipNorms = append(o.ClipNorms, max)
	return max, nil
}

func (o *CountingOptimizer) Steps() int64 { return o.StepCount }

func (o *CountingOptimizer) Snapshot() ([]byte, error) { return []byte("opt"), nil }

func (o *CountingOptimizer) Restore([]byte) error { return nil }

// SlicePrompts serves a fixed prompt list in order, wrapping at the end,
// and records every difficulty switch.
type SlicePrompts struct {
	Prompts  []string
	Min, Max int

	Level    int
	Switches []int
	cursor   int
}

func (s *SlicePrompts) Next(context.Context) (core.PromptItem, error) {
	if len(s.Prompts) == 0 {
		return core.PromptItem{}, fmt.Errorf("no prompts")
	}
	item := core.PromptItem{Text: s.Prompts[s.cursor%len(s.Prompts)]}
	s.cursor++
	return item, nil
}

func (s *SlicePrompts) SetDifficulty(level int) error {
	if level < s.Min || level > s.Max {
		return fmt.Errorf("difficulty %d outside [%d,%d]", level, s.Min, s.Max)
	}
	s.Level = level
	s.Switches = append(s.Switches, level)
	return nil
}

func (s *SlicePrompts) Difficulty() int { return s.Level }

func (s *SlicePrompts) DifficultyRange() (int, int) { return s.Min, s.Max }

var (
	_ core.Scorer          = (*FnScorer)(nil)
	_ core.TrainablePolicy = (*StubPolicy)(nil)
	_ core.Optimizer       = (*CountingOptimizer)(nil)
	_ core.PromptSource    = (*SlicePrompts)(nil)
)
