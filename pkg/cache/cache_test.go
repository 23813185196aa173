package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

func TestKeyDependsOnEveryInput(t *testing.T) {
	output := core.NewTensor(2, 2)
	output.Data = []float64{1, 2, 3, 4}

	base := Key("jpeg|q95", "a red circle", output)
	assert.Equal(t, base, Key("jpeg|q95", "a red circle", output), "same inputs must agree")

	assert.NotEqual(t, base, Key("claude|sonnet", "a red circle", output))
	assert.NotEqual(t, base, Key("jpeg|q95", "a blue circle", output))

	perturbed := output.Clone()
	perturbed.Data[3] = 4.0000001
	assert.NotEqual(t, base, Key("jpeg|q95", "a red circle", perturbed))

	reshaped := core.NewTensor(4, 1)
	reshaped.Data = []float64{1, 2, 3, 4}
	assert.NotEqual(t, base, Key("jpeg|q95", "a red circle", reshaped))
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0)
	defer c.Close()

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k1", []float64{1.5, -2.0}, 0))
	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{1.5, -2.0}, got)

	// The cache hands out copies.
	got[0] = 99
	again, _, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2.0}, again)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestMemoryExpiresEntries(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "short", []float64{1}, 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, ok, err := c.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Stats().Entries)
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(2)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", []float64{1}, 0))
	require.NoError(t, c.Set(ctx, "b", []float64{2}, 0))

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Set(ctx, "c", []float64{3}, 0))

	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry should be gone")
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMemoryClearResets(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", []float64{1}, 0))
	require.NoError(t, c.Clear(ctx))

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Sets)
	assert.Equal(t, int64(0), stats.Entries)
}

func TestSQLiteRoundTripAndPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rewards.db")

	c, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "k1", []float64{0.25, -4}, 0))

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{0.25, -4}, got)
	assert.Equal(t, int64(1), c.Stats().Entries)
	require.NoError(t, c.Close())

	// Hits survive reopening the file.
	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err = reopened.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{0.25, -4}, got)
}

func TestSQLiteExpiresEntries(t *testing.T) {
	ctx := context.Background()
	c, err := NewSQLite(filepath.Join(t.TempDir(), "rewards.db"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "short", []float64{1}, 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, ok, err := c.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteClear(t *testing.T) {
	ctx := context.Background()
	c, err := NewSQLite(filepath.Join(t.TempDir(), "rewards.db"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", []float64{1}, 0))
	require.NoError(t, c.Set(ctx, "b", []float64{2}, 0))
	require.NoError(t, c.Clear(ctx))

	assert.Equal(t, int64(0), c.Stats().Entries)
	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("redis", "", 0)
	require.Error(t, err)
	assert.Equal(t, errors.ConfigurationError, errors.CodeOf(err))

	_, err = New("sqlite", "", 0)
	require.Error(t, err, "sqlite without a path is a configuration error")

	c, err := New("memory", "", 16)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}