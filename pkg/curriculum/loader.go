package curriculum

import (
	"context"
	"sync"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/datasets"
	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/logging"
)

// Loader serves prompts from a difficulty ladder, one tier at a time. Each
// worker reads a disjoint shard of the active tier: its cursor starts at the
// worker's rank and advances by the world size, so no two workers see the
// same prompt in the same pass. Cursors are kept per tier, which means
// returning to an earlier tier resumes where that tier left off.
type Loader struct {
	mu      sync.Mutex
	ladder  *datasets.Ladder
	rank    int
	world   int
	current int
	cursors map[int]int
}

// NewLoader validates the ladder against the world size and positions the
// loader at the easiest tier.
func NewLoader(ladder *datasets.Ladder, rank, world int) (*Loader, error) {
	if ladder == nil {
		return nil, errors.New(errors.InvalidInput, "ladder is nil")
	}
	if world <= 0 {
		return nil, errors.Newf(errors.InvalidInput, "world size must be positive, got %d", world)
	}
	if rank < 0 || rank >= world {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "rank outside world"),
			errors.Fields{"rank": rank, "world_size": world})
	}
	if err := ladder.Validate(world); err != nil {
		return nil, err
	}
	min, _, err := ladder.Range()
	if err != nil {
		return nil, err
	}
	return &Loader{
		ladder:  ladder,
		rank:    rank,
		world:   world,
		current: min,
		cursors: make(map[int]int),
	}, nil
}

// Next returns the next prompt in this worker's shard of the active tier.
// When the shard is exhausted the cursor wraps to the beginning of the tier;
// the wrap is logged, not treated as an error.
func (l *Loader) Next(ctx context.Context) (core.PromptItem, error) {
	if err := errors.CheckContext(ctx, "prompt draw"); err != nil {
		return core.PromptItem{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tier := l.ladder.Tier(l.current)
	cursor, ok := l.cursors[l.current]
	if !ok {
		cursor = l.rank
	}
	if cursor >= len(tier) {
		logging.GetLogger().Warn(ctx, "tier %d exhausted for rank %d, wrapping around", l.current, l.rank)
		cursor = l.rank
	}
	item := tier[cursor]
	l.cursors[l.current] = cursor + l.world
	return item, nil
}

// SetDifficulty switches the active tier. Levels outside the ladder are
// rejected.
func (l *Loader) SetDifficulty(level int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	min, max, err := l.ladder.Range()
	if err != nil {
		return err
	}
	if level < min || level > max {
		return errors.WithFields(
			errors.New(errors.InvalidInput, "difficulty outside ladder"),
			errors.Fields{"level": level, "min": min, "max": max})
	}
	l.current = level
	return nil
}

// Difficulty reports the active tier.
func (l *Loader) Difficulty() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// DifficultyRange reports the easiest and hardest tiers in the ladder.
func (l *Loader) DifficultyRange() (min, max int) {
	min, max, _ = l.ladder.Range()
	return min, max
}

// BatchesPerEpoch reports how many full batches of the given size the active
// tier yields per epoch when split across all workers.
func (l *Loader) BatchesPerEpoch(batchSize int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if batchSize <= 0 {
		return 0
	}
	return len(l.ladder.Tier(l.current)) / (l.world * batchSize)
}

var _ core.PromptSource = (*Loader)(nil)
