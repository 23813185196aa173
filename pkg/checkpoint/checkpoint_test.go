package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightfold/difftune/pkg/errors"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	in := &State{
		Epoch:      3,
		GlobalStep: 120,
		Difficulty: 2,
		Meta:       map[string]string{"algorithm": "ddpo"},
		Policy:     []byte("policy-bytes"),
		Optimizer:  []byte("optimizer-bytes"),
	}

	dir, err := store.Save(in)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint_3", filepath.Base(dir))

	out, err := store.Load(3)
	require.NoError(t, err)
	assert.Equal(t, in.Epoch, out.Epoch)
	assert.Equal(t, in.GlobalStep, out.GlobalStep)
	assert.Equal(t, in.Difficulty, out.Difficulty)
	assert.Equal(t, in.Meta, out.Meta)
	assert.Equal(t, in.Policy, out.Policy)
	assert.Equal(t, in.Optimizer, out.Optimizer)
}

func TestLoadLatestPicksNumericMax(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	// checkpoint_9 sorts after checkpoint_10 lexicographically; resume must
	// use numeric order.
	for _, epoch := range []int{9, 10, 2} {
		_, err := store.Save(&State{Epoch: epoch})
		require.NoError(t, err)
	}

	latest, err := store.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, 10, latest.Epoch)
}

func TestRetentionPrunesOldest(t *testing.T) {
	store, err := NewStore(t.TempDir(), 2)
	require.NoError(t, err)

	for epoch := 1; epoch <= 5; epoch++ {
		_, err := store.Save(&State{Epoch: epoch})
		require.NoError(t, err)
	}

	epochs, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, epochs)

	_, err = store.Load(1)
	require.Error(t, err)
	assert.Equal(t, errors.ResourceNotFound, errors.CodeOf(err))
}

func TestListIgnoresStrayEntries(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, 0)
	require.NoError(t, err)

	_, err = store.Save(&State{Epoch: 1})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "telemetry"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "checkpoint_abc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "checkpoint_7"), []byte("a file, not a dir"), 0o644))

	epochs, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, epochs)
}

func TestLoadLatestOnEmptyRoot(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = store.LoadLatest()
	require.Error(t, err)
	assert.Equal(t, errors.ResourceNotFound, errors.CodeOf(err))
}

func TestResolveLatest(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, 0)
	require.NoError(t, err)

	for _, epoch := range []int{1, 12, 3} {
		_, err := store.Save(&State{Epoch: epoch})
		require.NoError(t, err)
	}

	dir, epoch, err := ResolveLatest(root)
	require.NoError(t, err)
	assert.Equal(t, 12, epoch)
	assert.Equal(t, "checkpoint_12", filepath.Base(dir))
}

func TestResolveLatestEmptyRootIsFatal(t *testing.T) {
	_, _, err := ResolveLatest(t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errors.ConfigurationError, errors.CodeOf(err))
	assert.True(t, errors.IsFatal(err))
}

func TestLoadResume(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, 0)
	require.NoError(t, err)

	for _, epoch := range []int{2, 11, 5} {
		_, err := store.Save(&State{Epoch: epoch, GlobalStep: int64(epoch) * 10})
		require.NoError(t, err)
	}

	fromRoot, err := LoadResume(root)
	require.NoError(t, err)
	assert.Equal(t, 11, fromRoot.Epoch)
	assert.Equal(t, int64(110), fromRoot.GlobalStep)

	fromDir, err := LoadResume(filepath.Join(root, "checkpoint_5"))
	require.NoError(t, err)
	assert.Equal(t, 5, fromDir.Epoch)

	_, err = LoadResume(t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errors.ConfigurationError, errors.CodeOf(err))
}

func TestSaveOverwritesSameEpoch(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = store.Save(&State{Epoch: 2, Policy: []byte("old")})
	require.NoError(t, err)
	_, err = store.Save(&State{Epoch: 2, Policy: []byte("new")})
	require.NoError(t, err)

	out, err := store.Load(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), out.Policy)

	epochs, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, epochs)
}
