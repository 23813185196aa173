package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCollective(t *testing.T) {
	ctx := context.Background()
	local := NewLocal()

	assert.Equal(t, 0, local.Rank())
	assert.Equal(t, 1, local.WorldSize())

	t.Run("gather floats copies input", func(t *testing.T) {
		in := []float64{1, 2, 3}
		out, err := local.GatherFloats(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, in, out)

		out[0] = 99
		assert.Equal(t, 1.0, in[0], "gather must not alias caller memory")
	})

	t.Run("gather vectors copies rows", func(t *testing.T) {
		in := [][]float64{{1, 2}, {3}}
		out, err := local.GatherVectors(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, in, out)

		out[0][0] = 99
		assert.Equal(t, 1.0, in[0][0])
	})

	t.Run("gather strings", func(t *testing.T) {
		out, err := local.GatherStrings(ctx, []string{"p1", "p2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p2"}, out)
	})

	t.Run("reduce mean is identity", func(t *testing.T) {
		out, err := local.ReduceMean(ctx, map[string]float64{"loss": 0.5})
		require.NoError(t, err)
		assert.Equal(t, 0.5, out["loss"])
	})

	t.Run("barrier immediate", func(t *testing.T) {
		assert.NoError(t, local.Barrier(ctx))
	})

	t.Run("canceled context surfaces", func(t *testing.T) {
		canceled, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := local.GatherFloats(canceled, nil)
		assert.Error(t, err)
		assert.Error(t, local.Barrier(canceled))
	})
}
