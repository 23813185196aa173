package core

// DenoisingStep is one recorded transition of a denoising rollout: the state
// the policy saw, the state it produced, the scheduler timestep and the
// log-probability of the transition under the sampling policy. A step belongs
// to exactly one trajectory and is never shared.
type DenoisingStep struct {
	Timestep int64
	State    *Tensor
	Next     *Tensor
	LogProb  float64
}

// Trajectory is one full denoising rollout for one prompt. Trajectories are
// assembled by the collector at sampling time, are immutable once appended to
// an epoch batch, and are discarded at epoch end. Reward is scalar (length 1)
// or a vector for multi-criterion scoring.
type Trajectory struct {
	ID       string
	Prompt   string
	Metadata map[string]string
	Steps    []DenoisingStep
	Output   *Tensor // rendered sample; dropped after scoring and logging
	Reward   []float64
}

// NumSteps returns the trajectory's denoising horizon length.
func (tr *Trajectory) NumSteps() int {
	return len(tr.Steps)
}

// ScalarReward returns the single reward value for scalar-scored runs. It is
// only meaningful when the scorer emits one value per trajectory; callers
// validating reward arity do so at configuration time.
func (tr *Trajectory) ScalarReward() float64 {
	if len(tr.Reward) == 0 {
		return 0
	}
	return tr.Reward[0]
}

// DropOutput releases the rendered sample once it is no longer needed,
// bounding epoch memory.
func (tr *Trajectory) DropOutput() {
	tr.Output = nil
}

// TrajectoryPair couples two rollouts of the same prompt that share an
// initial noise state. Used by pairwise-preference training; Prefs holds the
// signed preference labels derived from the domination comparison of the two
// reward vectors.
type TrajectoryPair struct {
	First  *Trajectory
	Second *Trajectory
	Prefs  [2]float64
}
