// Package checkpoint persists policy and optimizer state between epochs.
//
// Each checkpoint is a directory named checkpoint_<epoch> under a common
// root. The directory holds a small JSON state file plus opaque policy and
// optimizer snapshots produced by the training backend. Resume resolution
// picks the numerically largest epoch present under the root.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/logging"
)

const (
	dirPrefix     = "checkpoint_"
	stateFile     = "state.json"
	policyFile    = "policy.bin"
	optimizerFile = "optimizer.bin"
)

// State is everything needed to resume a run where it stopped. Policy and
// Optimizer are opaque to this package; the backend that produced them is
// the only thing that can interpret them.
type State struct {
	Epoch      int               `json:"epoch"`
	GlobalStep int64             `json:"global_step"`
	Difficulty int               `json:"difficulty"`
	Meta       map[string]string `json:"meta,omitempty"`

	Policy    []byte `json:"-"`
	Optimizer []byte `json:"-"`
}

// Store writes and reads checkpoints under a single root directory,
// retaining at most limit checkpoints (0 or negative keeps everything).
type Store struct {
	root  string
	limit int
}

// NewStore creates the root directory if needed.
func NewStore(root string, limit int) (*Store, error) {
	if root == "" {
		return nil, errors.New(errors.InvalidInput, "checkpoint root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "failed to create checkpoint root")
	}
	return &Store{root: root, limit: limit}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Save writes one checkpoint directory and prunes old ones past the
// retention limit. It returns the checkpoint directory path. The directory
// is staged under a temporary name and renamed into place, so a crash
// mid-write never leaves a checkpoint_<N> directory with partial contents.
func (s *Store) Save(state *State) (string, error) {
	if state == nil {
		return "", errors.New(errors.InvalidInput, "checkpoint state is nil")
	}

	final := filepath.Join(s.root, fmt.Sprintf("%s%d", dirPrefix, state.Epoch))
	staging := final + ".tmp"

	if err := os.RemoveAll(staging); err != nil {
		return "", errors.Wrap(err, errors.CheckpointFailed, "failed to clear staging directory")
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", errors.Wrap(err, errors.CheckpointFailed, "failed to create staging directory")
	}

	meta, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, errors.CheckpointFailed, "failed to encode checkpoint state")
	}
	files := map[string][]byte{
		stateFile:     meta,
		policyFile:    state.Policy,
		optimizerFile: state.Optimizer,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(staging, name), data, 0o644); err != nil {
			return "", errors.WithFields(
				errors.Wrap(err, errors.CheckpointFailed, "failed to write checkpoint file"),
				errors.Fields{"file": name})
		}
	}

	if err := os.RemoveAll(final); err != nil {
		return "", errors.Wrap(err, errors.CheckpointFailed, "failed to replace existing checkpoint")
	}
	if err := os.Rename(staging, final); err != nil {
		return "", errors.Wrap(err, errors.CheckpointFailed, "failed to finalize checkpoint")
	}

	if err := s.prune(); err != nil {
		return "", err
	}
	return final, nil
}

// Load reads the checkpoint for a specific epoch.
func (s *Store) Load(epoch int) (*State, error) {
	dir := filepath.Join(s.root, fmt.Sprintf("%s%d", dirPrefix, epoch))

	meta, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithFields(
				errors.New(errors.ResourceNotFound, "checkpoint not found"),
				errors.Fields{"epoch": epoch, "root": s.root})
		}
		return nil, errors.Wrap(err, errors.CheckpointFailed, "failed to read checkpoint state")
	}

	var state State
	if err := json.Unmarshal(meta, &state); err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "failed to decode checkpoint state")
	}

	if state.Policy, err = os.ReadFile(filepath.Join(dir, policyFile)); err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "failed to read policy snapshot")
	}
	if state.Optimizer, err = os.ReadFile(filepath.Join(dir, optimizerFile)); err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "failed to read optimizer snapshot")
	}
	return &state, nil
}

// LoadLatest loads the checkpoint with the largest epoch index. A root with
// no checkpoints is a ResourceNotFound error; callers resuming a run treat
// that as fatal.
func (s *Store) LoadLatest() (*State, error) {
	epochs, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, errors.WithFields(
			errors.New(errors.ResourceNotFound, "no checkpoints under root"),
			errors.Fields{"root": s.root})
	}
	return s.Load(epochs[len(epochs)-1])
}

// List returns the epochs present under the root in ascending numeric
// order. Entries that do not match the checkpoint_<N> pattern are ignored.
func (s *Store) List() ([]int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "failed to read checkpoint root")
	}

	var epochs []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		epoch, ok := parseEpoch(entry.Name())
		if !ok {
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Ints(epochs)
	return epochs, nil
}

func (s *Store) prune() error {
	if s.limit <= 0 {
		return nil
	}
	epochs, err := s.List()
	if err != nil {
		return err
	}
	for len(epochs) > s.limit {
		victim := filepath.Join(s.root, fmt.Sprintf("%s%d", dirPrefix, epochs[0]))
		if err := os.RemoveAll(victim); err != nil {
			return errors.Wrap(err, errors.CheckpointFailed, "failed to prune old checkpoint")
		}
		logging.GetLogger().Debug(context.Background(), "pruned checkpoint %s", victim)
		epochs = epochs[1:]
	}
	return nil
}

func parseEpoch(name string) (int, bool) {
	if !strings.HasPrefix(name, dirPrefix) {
		return 0, false
	}
	epoch, err := strconv.Atoi(strings.TrimPrefix(name, dirPrefix))
	if err != nil || epoch < 0 {
		return 0, false
	}
	return epoch, true
}

// List reports the checkpoint epochs under an arbitrary root in ascending
// numeric order, without creating the root.
func List(root string) ([]int, error) {
	store := &Store{root: root}
	return store.List()
}

// ResolveLatest reports the newest checkpoint directory under an arbitrary
// root without loading it. Resuming from a root that holds no checkpoints
// is a configuration error by contract, so that case is surfaced with a
// code the caller can treat as fatal.
func ResolveLatest(root string) (string, int, error) {
	store := &Store{root: root}
	epochs, err := store.List()
	if err != nil {
		return "", 0, err
	}
	if len(epochs) == 0 {
		return "", 0, errors.WithFields(
			errors.New(errors.ConfigurationError, "resume root contains no checkpoints"),
			errors.Fields{"root": root})
	}
	latest := epochs[len(epochs)-1]
	return filepath.Join(root, fmt.Sprintf("%s%d", dirPrefix, latest)), latest, nil
}

// LoadResume loads the checkpoint a resume path names. The path is either a
// single checkpoint_<N> directory or a run root, in which case the
// numerically largest checkpoint under it wins.
func LoadResume(path string) (*State, error) {
	if epoch, ok := parseEpoch(filepath.Base(path)); ok {
		store := &Store{root: filepath.Dir(path)}
		return store.Load(epoch)
	}
	_, epoch, err := ResolveLatest(path)
	if err != nil {
		return nil, err
	}
	store := &Store{root: path}
	return store.Load(epoch)
}
