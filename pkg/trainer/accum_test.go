package trainer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightfold/difftune/internal/testutil"
	"github.com/lightfold/difftune/pkg/errors"
)

func TestAccumulatorStepsOncePerWindow(t *testing.T) {
	ctx := context.Background()
	opt := &testutil.CountingOptimizer{}
	accum, err := NewAccumulator(opt, 3, 2, 1.5)
	require.NoError(t, err)

	// 4 minibatches x 3 timesteps with accum 2: a step closes every second
	// minibatch's last timestep.
	var steps []int
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			stepped, err := accum.AfterBackward(ctx, i, j)
			require.NoError(t, err)
			if stepped {
				steps = append(steps, i)
			}
		}
	}

	assert.Equal(t, []int{1, 3}, steps)
	assert.Equal(t, int64(2), opt.StepCount)
	assert.Equal(t, 2, opt.ZeroCount, "gradients cleared after every step")
	assert.Equal(t, []float64{1.5, 1.5}, opt.ClipNorms)
	assert.InDelta(t, 1.5, accum.LastGradNorm(), 1e-12)
	assert.NoError(t, accum.AssertSynced())
}

func TestAccumulatorDetectsPhaseError(t *testing.T) {
	ctx := context.Background()
	opt := &testutil.CountingOptimizer{}
	accum, err := NewAccumulator(opt, 2, 1, 1.0)
	require.NoError(t, err)

	// The window fills after two backward passes, but the caller is still on
	// timestep 0 of the second minibatch: the horizon and the loop disagree.
	_, err = accum.AfterBackward(ctx, 0, 0)
	require.NoError(t, err)
	_, err = accum.AfterBackward(ctx, 1, 0)
	require.Error(t, err)
	assert.Equal(t, errors.InvariantViolation, errors.CodeOf(err))
	assert.Zero(t, opt.StepCount, "no step on a broken boundary")
}

func TestAccumulatorAssertSyncedMidWindow(t *testing.T) {
	ctx := context.Background()
	accum, err := NewAccumulator(&testutil.CountingOptimizer{}, 2, 2, 1.0)
	require.NoError(t, err)

	_, err = accum.AfterBackward(ctx, 0, 0)
	require.NoError(t, err)

	err = accum.AssertSynced()
	require.Error(t, err)
	assert.Equal(t, errors.InvariantViolation, errors.CodeOf(err))
}

func TestNewAccumulatorRejectsEmptyWindow(t *testing.T) {
	_, err := NewAccumulator(&testutil.CountingOptimizer{}, 0, 1, 1.0)
	assert.Equal(t, errors.ConfigurationError, errors.CodeOf(err))

	_, err = NewAccumulator(&testutil.CountingOptimizer{}, 1, 0, 1.0)
	assert.Equal(t, errors.ConfigurationError, errors.CodeOf(err))
}
