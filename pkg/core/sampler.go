package core

import (
	"context"

	"github.com/lightfold/difftune/pkg/errors"
)

// SampleRequest asks the generative backend for one denoising rollout per
// prompt. InitialStates, when set, must hold one tensor per prompt and fixes
// the starting noise of each rollout; paired sampling uses this to denoise
// the same noise twice. Text encoding of prompts is the backend's concern.
type SampleRequest struct {
	Prompts        []string
	NegativePrompt string
	NumSteps       int
	GuidanceScale  float64
	Eta            float64
	Seed           int64
	InitialStates  []*Tensor
}

// SampleResult carries the rollouts. For each prompt i, States[i] holds
// NumSteps+1 latents (initial noise through final latent), LogProbs[i] holds
// NumSteps transition log-probabilities, and Outputs[i] is the rendered
// sample. Timesteps is the scheduler's timestep value per transition, shared
// across prompts.
type SampleResult struct {
	Outputs   []*Tensor
	States    [][]*Tensor
	LogProbs  [][]float64
	Timesteps []int64
}

// Sampler is the generative model's denoising entry point. Implementations
// must be deterministic for a fixed seed and identical inputs.
type Sampler interface {
	Sample(ctx context.Context, req *SampleRequest) (*SampleResult, error)
}

// Validate checks the result against the request's shape contract: one
// rollout per prompt, exactly NumSteps+1 states and NumSteps log-probs each.
func (r *SampleResult) Validate(req *SampleRequest) error {
	n := len(req.Prompts)
	if len(r.Outputs) != n || len(r.States) != n || len(r.LogProbs) != n {
		return errors.WithFields(
			errors.New(errors.SamplingFailed, "sampler returned wrong rollout count"),
			errors.Fields{"prompts": n, "outputs": len(r.Outputs), "states": len(r.States)})
	}
	if len(r.Timesteps) != req.NumSteps {
		return errors.WithFields(
			errors.New(errors.SamplingFailed, "sampler returned wrong timestep count"),
			errors.Fields{"want": req.NumSteps, "got": len(r.Timesteps)})
	}
	for i := 0; i < n; i++ {
		if len(r.States[i]) != req.NumSteps+1 {
			return errors.WithFields(
				errors.New(errors.SamplingFailed, "rollout has wrong state count"),
				errors.Fields{"prompt": i, "want": req.NumSteps + 1, "got": len(r.States[i])})
		}
		if len(r.LogProbs[i]) != req.NumSteps {
			return errors.WithFields(
				errors.New(errors.SamplingFailed, "rollout has wrong log-prob count"),
				errors.Fields{"prompt": i, "want": req.NumSteps, "got": len(r.LogProbs[i])})
		}
	}
	return nil
}

// Trajectory assembles rollout i of the result into a Trajectory.
func (r *SampleResult) Trajectory(i int, id, prompt string, metadata map[string]string) *Trajectory {
	steps := make([]DenoisingStep, len(r.LogProbs[i]))
	for j := range steps {
		steps[j] = DenoisingStep{
			Timestep: r.Timesteps[j],
			State:    r.States[i][j],
			Next:     r.States[i][j+1],
			LogProb:  r.LogProbs[i][j],
		}
	}
	return &Trajectory{
		ID:       id,
		Prompt:   prompt,
		Metadata: metadata,
		Steps:    steps,
		Output:   r.Outputs[i],
	}
}
