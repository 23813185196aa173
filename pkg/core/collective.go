package core

import (
	"context"
)

// Collective is the cross-worker synchronization surface. Every method
// blocks until all workers in the world have entered the same call; there is
// no timeout, so a dead worker stalls the collective unless the
// implementation detects the death itself. Gather results are rank-major:
// rank 0's contribution first, then rank 1's, and so on, identical on every
// worker.
type Collective interface {
	// Rank is this worker's index in [0, WorldSize).
	Rank() int

	// WorldSize is the number of data-parallel workers.
	WorldSize() int

	// GatherFloats returns the concatenation of every worker's values.
	GatherFloats(ctx context.Context, values []float64) ([]float64, error)

	// GatherVectors returns the concatenation of every worker's rows.
	GatherVectors(ctx context.Context, values [][]float64) ([][]float64, error)

	// GatherStrings returns the concatenation of every worker's values.
	GatherStrings(ctx context.Context, values []string) ([]string, error)

	// ReduceMean averages each key's value across workers. Keys must match
	// across the world.
	ReduceMean(ctx context.Context, values map[string]float64) (map[string]float64, error)

	// Barrier blocks until all workers arrive.
	Barrier(ctx context.Context) error
}

// Local is the single-process Collective: rank 0 of a world of one. Gathers
// return their inputs (copied), reductions are identities and barriers are
// immediate. It exists so the trainer is written against collectives
// unconditionally.
type Local struct{}

// NewLocal returns the single-process collective.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Rank() int      { return 0 }
func (l *Local) WorldSize() int { return 1 }

func (l *Local) GatherFloats(ctx context.Context, values []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]float64(nil), values...), nil
}

func (l *Local) GatherVectors(ctx context.Context, values [][]float64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(values))
	for i, row := range values {
		out[i] = append([]float64(nil), row...)
	}
	return out, nil
}

func (l *Local) GatherStrings(ctx context.Context, values []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), values...), nil
}

func (l *Local) ReduceMean(ctx context.Context, values map[string]float64) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (l *Local) Barrier(ctx context.Context) error {
	return ctx.Err()
}
