// Package datasets loads prompt ladders: prompts grouped into integer
// difficulty tiers. Two on-disk formats are supported, a JSON map keyed
// "<group>_<difficulty>" and a Parquet table with prompt/difficulty columns.
package datasets

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

// Ladder holds the prompts of each difficulty tier.
type Ladder struct {
	tiers map[int][]core.PromptItem
}

// NewLadder returns an empty ladder.
func NewLadder() *Ladder {
	return &Ladder{tiers: make(map[int][]core.PromptItem)}
}

// Add appends one prompt to a tier.
func (l *Ladder) Add(tier int, item core.PromptItem) {
	l.tiers[tier] = append(l.tiers[tier], item)
}

// Tier returns the prompts of one tier, nil when absent.
func (l *Ladder) Tier(level int) []core.PromptItem {
	return l.tiers[level]
}

// Levels returns the tier keys in ascending order.
func (l *Ladder) Levels() []int {
	levels := make([]int, 0, len(l.tiers))
	for k := range l.tiers {
		levels = append(levels, k)
	}
	sort.Ints(levels)
	return levels
}

// Range returns the inclusive (min, max) tier keys.
func (l *Ladder) Range() (min, max int, err error) {
	levels := l.Levels()
	if len(levels) == 0 {
		return 0, 0, errors.New(errors.InvalidInput, "ladder has no tiers")
	}
	return levels[0], levels[len(levels)-1], nil
}

// TotalPrompts counts prompts across all tiers.
func (l *Ladder) TotalPrompts() int {
	n := 0
	for _, items := range l.tiers {
		n += len(items)
	}
	return n
}

// Validate checks the ladder can serve a world of the given size: at least
// one tier, and every tier deep enough that each worker owns at least one
// prompt.
func (l *Ladder) Validate(worldSize int) error {
	if len(l.tiers) == 0 {
		return errors.New(errors.ConfigurationError, "ladder has no tiers")
	}
	levels := l.Levels()
	for i, level := range levels {
		if i > 0 && level != levels[i-1]+1 {
			return errors.WithFields(
				errors.New(errors.ConfigurationError, "ladder tiers must be contiguous"),
				errors.Fields{"tier": levels[i-1], "next": level})
		}
		if len(l.tiers[level]) < worldSize {
			return errors.WithFields(
				errors.New(errors.ConfigurationError, "tier has fewer prompts than workers"),
				errors.Fields{"tier": level, "prompts": len(l.tiers[level]), "world_size": worldSize})
		}
	}
	return nil
}

// Load reads a ladder file, dispatching on the explicit format or, when
// format is empty, on the file extension.
func Load(ctx context.Context, path, format string) (*Ladder, error) {
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			format = "json"
		case ".parquet":
			format = "parquet"
		}
	}
	switch format {
	case "json":
		return LoadJSON(path)
	case "parquet":
		return LoadParquet(ctx, path)
	default:
		return nil, errors.WithFields(
			errors.New(errors.ConfigurationError, "cannot determine ladder format"),
			errors.Fields{"path": path})
	}
}

// LoadJSON reads a ladder from a JSON object mapping "<group>_<difficulty>"
// keys to prompt lists, e.g. {"animals_1": ["a cat", ...], "scenes_2":
// [...]}. The integer after the final underscore is the tier; the full key is
// kept as the prompt's group metadata.
func LoadJSON(path string) (*Ladder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ResourceNotFound, "reading ladder file")
	}

	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "parsing ladder file")
	}

	ladder := NewLadder()
	for group, prompts := range raw {
		idx := strings.LastIndex(group, "_")
		if idx < 0 || idx == len(group)-1 {
			return nil, errors.Newf(errors.InvalidInput,
				"ladder key %q has no difficulty suffix", group)
		}
		tier, err := strconv.Atoi(group[idx+1:])
		if err != nil {
			return nil, errors.Newf(errors.InvalidInput,
				"ladder key %q has a non-integer difficulty suffix", group)
		}
		for _, p := range prompts {
			ladder.Add(tier, core.PromptItem{
				Text:     p,
				Metadata: map[string]string{"group": group},
			})
		}
	}
	if ladder.TotalPrompts() == 0 {
		return nil, errors.New(errors.InvalidInput, "ladder file holds no prompts")
	}
	return ladder, nil
}
