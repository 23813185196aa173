package sim

import (
	"context"
	"hash/fnv"
	"math/rand"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

// Sampler rolls out denoising trajectories under the policy's current
// drift. Noise is drawn from a generator seeded by (request seed, prompt,
// trajectory index), so identical requests produce identical trajectories.
// Guidance scale and negative prompts are accepted and ignored; the walk has
// no conditioning to guide.
type Sampler struct {
	policy *Policy
}

// NewSampler creates a sampler bound to the policy it rolls out.
func NewSampler(policy *Policy) *Sampler {
	return &Sampler{policy: policy}
}

// Sample produces one trajectory per prompt: num_steps+1 states and
// num_steps log-probs, exactly as recorded at collection time.
func (s *Sampler) Sample(ctx context.Context, req *core.SampleRequest) (*core.SampleResult, error) {
	if err := errors.CheckContext(ctx, "sampling"); err != nil {
		return nil, err
	}
	if req.NumSteps < 1 {
		return nil, errors.Newf(errors.InvalidInput, "num steps must be positive, got %d", req.NumSteps)
	}
	if len(req.Prompts) == 0 {
		return nil, errors.New(errors.InvalidInput, "no prompts to sample")
	}
	if req.InitialStates != nil && len(req.InitialStates) != len(req.Prompts) {
		return nil, errors.New(errors.InvalidInput, "initial states do not align with prompts")
	}

	shape := s.policy.Shape()
	n := len(req.Prompts)

	result := &core.SampleResult{
		Outputs:   make([]*core.Tensor, n),
		States:    make([][]*core.Tensor, n),
		LogProbs:  make([][]float64, n),
		Timesteps: make([]int64, req.NumSteps),
	}
	for j := 0; j < req.NumSteps; j++ {
		result.Timesteps[j] = int64(req.NumSteps - j)
	}

	for i, prompt := range req.Prompts {
		if err := errors.CheckContext(ctx, "sampling"); err != nil {
			return nil, err
		}

		rng := rand.New(rand.NewSource(trajectorySeed(req.Seed, prompt, i)))

		state := initialState(req, i, shape, rng)
		states := make([]*core.Tensor, 0, req.NumSteps+1)
		states = append(states, state)
		logps := make([]float64, req.NumSteps)

		for j := 0; j < req.NumSteps; j++ {
			next := core.NewTensor(shape...)
			sum := 0.0
			for k := range next.Data {
				z := req.Eta * rng.NormFloat64()
				next.Data[k] = state.Data[k] + s.policy.theta[k] + z
				sum += z * z
			}
			logps[j] = -0.5 * sum
			states = append(states, next)
			state = next
		}

		result.States[i] = states
		result.LogProbs[i] = logps
		result.Outputs[i] = state.Clone()
	}

	return result, nil
}

func initialState(req *core.SampleRequest, i int, shape []int, rng *rand.Rand) *core.Tensor {
	if req.InitialStates != nil && req.InitialStates[i] != nil {
		return req.InitialStates[i].Clone()
	}
	t := core.NewTensor(shape...)
	for k := range t.Data {
		// Centered at mid-gray so rendered outputs start in range.
		t.Data[k] = 0.5 + 0.1*rng.NormFloat64()
	}
	return t
}

func trajectorySeed(seed int64, prompt string, index int) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	mixed := h.Sum64() ^ uint64(seed) ^ (uint64(index+1) * 0x9E3779B97F4A7C15)
	return int64(mixed)
}

var _ core.Sampler = (*Sampler)(nil)
