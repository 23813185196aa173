package trainer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/stats"
)

// splitWorld fakes rank 1 of a two-worker collective whose rank-0 peer
// contributed fixed prompts and rewards.
type splitWorld struct {
	peerPrompts []string
	peerRewards []float64
}

func (w *splitWorld) Rank() int      { return 1 }
func (w *splitWorld) WorldSize() int { return 2 }

func (w *splitWorld) GatherFloats(_ context.Context, values []float64) ([]float64, error) {
	return append(append([]float64(nil), w.peerRewards...), values...), nil
}

func (w *splitWorld) GatherVectors(_ context.Context, values [][]float64) ([][]float64, error) {
	return values, nil
}

func (w *splitWorld) GatherStrings(_ context.Context, values []string) ([]string, error) {
	return append(append([]string(nil), w.peerPrompts...), values...), nil
}

func (w *splitWorld) ReduceMean(_ context.Context, values map[string]float64) (map[string]float64, error) {
	return values, nil
}

func (w *splitWorld) Barrier(context.Context) error { return nil }

var _ core.Collective = (*splitWorld)(nil)

func TestAdvantagesNormalizeAcrossWorkers(t *testing.T) {
	world := &splitWorld{
		peerPrompts: []string{"r", "r"},
		peerRewards: []float64{0, 0},
	}
	engine := NewAdvantageEngine(nil, world, 10)

	got, err := engine.Compute(context.Background(), []string{"a", "b"}, []float64{10, 10})
	require.NoError(t, err)
	require.Len(t, got, 2, "only this worker's slice comes back")

	// Union is (0, 0, 10, 10): mean 5, std 5, so the local rewards sit one
	// deviation above.
	assert.InDelta(t, 1.0, got[0], 1e-6)
	assert.InDelta(t, 1.0, got[1], 1e-6)
}

func TestAdvantagesClampToBound(t *testing.T) {
	engine := NewAdvantageEngine(nil, core.NewLocal(), 0.5)

	got, err := engine.Compute(context.Background(), []string{"a", "b"}, []float64{0, 100})
	require.NoError(t, err)
	assert.InDelta(t, -0.5, got[0], 1e-9)
	assert.InDelta(t, 0.5, got[1], 1e-9)
}

func TestAdvantagesUsePerPromptBaseline(t *testing.T) {
	ctx := context.Background()
	tracker := stats.NewTracker(4, 2)
	engine := NewAdvantageEngine(tracker, core.NewLocal(), 100)

	// First epoch: neither prompt has enough history, both normalize against
	// the batch.
	got, err := engine.Compute(ctx, []string{"p", "q"}, []float64{0, 10})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, got[0], 1e-6)
	assert.InDelta(t, 1.0, got[1], 1e-6)

	// Second epoch: each prompt's own history takes over. "q" repeated its
	// reward exactly, so its advantage collapses to zero regardless of how
	// far it sits from the batch mean.
	got, err = engine.Compute(ctx, []string{"p", "q"}, []float64{2, 10})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got[0], 1e-6, "p: (2 - mean(0,2)) / std(0,2)")
	assert.InDelta(t, 0.0, got[1], 1e-9)
}

func TestAdvantagesRejectMisalignedInput(t *testing.T) {
	engine := NewAdvantageEngine(nil, core.NewLocal(), 1)
	_, err := engine.Compute(context.Background(), []string{"a"}, []float64{1, 2})
	assert.Equal(t, errors.InvalidInput, errors.CodeOf(err))
}

func TestAdvantagesEmptyEpoch(t *testing.T) {
	engine := NewAdvantageEngine(nil, core.NewLocal(), 1)
	got, err := engine.Compute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
