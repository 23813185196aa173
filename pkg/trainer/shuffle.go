package trainer

import (
	"math/rand"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

// Row is one trajectory's training view inside a minibatch: the trajectory,
// its normalized advantage and the order in which this inner epoch visits its
// timesteps. Order is a permutation of [0, NumSteps); training walks its
// first num_train_timesteps entries.
type Row struct {
	Traj      *core.Trajectory
	Advantage float64
	Order     []int
}

// Minibatch is a train-batch-size group of rows. Column j assembles the
// transitions every row visits at position j, which is what one
// forward/backward pass evaluates.
type Minibatch struct {
	Rows []Row
}

// Column builds the transition batch for visit position j.
func (m *Minibatch) Column(j int) *core.TransitionBatch {
	n := len(m.Rows)
	batch := &core.TransitionBatch{
		Prompts:   make([]string, n),
		States:    make([]*core.Tensor, n),
		Nexts:     make([]*core.Tensor, n),
		Timesteps: make([]int64, n),
	}
	for i, row := range m.Rows {
		step := row.Traj.Steps[row.Order[j]]
		batch.Prompts[i] = row.Traj.Prompt
		batch.States[i] = step.State
		batch.Nexts[i] = step.Next
		batch.Timesteps[i] = step.Timestep
	}
	return batch
}

// OldLogProbs returns the sampling-time log-probabilities at visit position j,
// aligned with Column(j).
func (m *Minibatch) OldLogProbs(j int) []float64 {
	out := make([]float64, len(m.Rows))
	for i, row := range m.Rows {
		out[i] = row.Traj.Steps[row.Order[j]].LogProb
	}
	return out
}

// Advantages returns the rows' advantages in row order.
func (m *Minibatch) Advantages() []float64 {
	out := make([]float64, len(m.Rows))
	for i, row := range m.Rows {
		out[i] = row.Advantage
	}
	return out
}

// PairRow is one trajectory pair inside a paired minibatch. Both members
// share one visit order so the preference loss compares them at the same
// recorded timestep.
type PairRow struct {
	Pair  *core.TrajectoryPair
	Order []int
}

// PairMinibatch groups trajectory pairs for preference training.
type PairMinibatch struct {
	Rows []PairRow
}

// JointColumn builds one transition batch holding both pair members at visit
// position j: rows [0, P) are every pair's first trajectory, rows [P, 2P) the
// second. Evaluating both members in one batch keeps the policy's
// forward/backward pairing intact.
func (m *PairMinibatch) JointColumn(j int) *core.TransitionBatch {
	p := len(m.Rows)
	batch := &core.TransitionBatch{
		Prompts:   make([]string, 2*p),
		States:    make([]*core.Tensor, 2*p),
		Nexts:     make([]*core.Tensor, 2*p),
		Timesteps: make([]int64, 2*p),
	}
	for i, row := range m.Rows {
		for k, traj := range [2]*core.Trajectory{row.Pair.First, row.Pair.Second} {
			step := traj.Steps[row.Order[j]]
			batch.Prompts[i+k*p] = traj.Prompt
			batch.States[i+k*p] = step.State
			batch.Nexts[i+k*p] = step.Next
			batch.Timesteps[i+k*p] = step.Timestep
		}
	}
	return batch
}

// Prefs returns the rows' signed preference labels in row order.
func (m *PairMinibatch) Prefs() [][2]float64 {
	out := make([][2]float64, len(m.Rows))
	for i, row := range m.Rows {
		out[i] = row.Pair.Prefs
	}
	return out
}

// ReshuffleRebatch turns one epoch's trajectories into training minibatches:
// the trajectory axis is permuted uniformly at random, each trajectory's
// timestep axis is permuted independently, and the result is partitioned into
// minibatches of trainBatchSize. The transform is a bijection on the
// trajectory × timestep index set; nothing is dropped or duplicated.
func ReshuffleRebatch(trajs []*core.Trajectory, advantages []float64, trainBatchSize int, rng *rand.Rand) ([]*Minibatch, error) {
	if len(trajs) == 0 {
		return nil, errors.New(errors.InvalidInput, "no trajectories to rebatch")
	}
	if len(advantages) != len(trajs) {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "advantages misaligned with trajectories"),
			errors.Fields{"trajectories": len(trajs), "advantages": len(advantages)})
	}
	if trainBatchSize <= 0 || len(trajs)%trainBatchSize != 0 {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "epoch batch not divisible into training minibatches"),
			errors.Fields{"trajectories": len(trajs), "train_batch_size": trainBatchSize})
	}
	numSteps := trajs[0].NumSteps()
	for i, tr := range trajs {
		if tr.NumSteps() != numSteps {
			return nil, errors.WithFields(
				errors.New(errors.InvalidInput, "trajectories have unequal lengths"),
				errors.Fields{"trajectory": i, "want": numSteps, "got": tr.NumSteps()})
		}
	}

	order := rng.Perm(len(trajs))
	batches := make([]*Minibatch, 0, len(trajs)/trainBatchSize)
	var current *Minibatch
	for _, idx := range order {
		if current == nil {
			current = &Minibatch{Rows: make([]Row, 0, trainBatchSize)}
		}
		current.Rows = append(current.Rows, Row{
			Traj:      trajs[idx],
			Advantage: advantages[idx],
			Order:     rng.Perm(numSteps),
		})
		if len(current.Rows) == trainBatchSize {
			batches = append(batches, current)
			current = nil
		}
	}
	return batches, nil
}

// ReshufflePairs is ReshuffleRebatch for trajectory pairs. Pairs move as
// units through the trajectory-axis permutation, and one timestep permutation
// per pair covers both members.
func ReshufflePairs(pairs []*core.TrajectoryPair, trainBatchSize int, rng *rand.Rand) ([]*PairMinibatch, error) {
	if len(pairs) == 0 {
		return nil, errors.New(errors.InvalidInput, "no trajectory pairs to rebatch")
	}
	if trainBatchSize <= 0 || len(pairs)%trainBatchSize != 0 {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "epoch batch not divisible into training minibatches"),
			errors.Fields{"pairs": len(pairs), "train_batch_size": trainBatchSize})
	}
	numSteps := pairs[0].First.NumSteps()
	for i, pr := range pairs {
		if pr.First.NumSteps() != numSteps || pr.Second.NumSteps() != numSteps {
			return nil, errors.WithFields(
				errors.New(errors.InvalidInput, "trajectory pairs have unequal lengths"),
				errors.Fields{"pair": i, "want": numSteps})
		}
	}

	order := rng.Perm(len(pairs))
	batches := make([]*PairMinibatch, 0, len(pairs)/trainBatchSize)
	var current *PairMinibatch
	for _, idx := range order {
		if current == nil {
			current = &PairMinibatch{Rows: make([]PairRow, 0, trainBatchSize)}
		}
		current.Rows = append(current.Rows, PairRow{
			Pair:  pairs[idx],
			Order: rng.Perm(numSteps),
		})
		if len(current.Rows) == trainBatchSize {
			batches = append(batches, current)
			current = nil
		}
	}
	return batches, nil
}
