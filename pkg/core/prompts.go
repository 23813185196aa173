package core

import (
	"context"
)

// PromptItem is one prompt with its ladder metadata (tier name, source row).
type PromptItem struct {
	Text     string
	Metadata map[string]string
}

// PromptSource supplies prompts at the currently selected difficulty tier.
// Implementations shard prompts across data-parallel workers and wrap around
// exhausted tiers rather than erroring.
type PromptSource interface {
	// Next returns one prompt from the current tier.
	Next(ctx context.Context) (PromptItem, error)

	// SetDifficulty switches the active tier for subsequent Next calls.
	// Out-of-range tiers are rejected.
	SetDifficulty(level int) error

	// Difficulty returns the active tier.
	Difficulty() int

	// DifficultyRange returns the inclusive tier bounds of the ladder.
	DifficultyRange() (min, max int)
}
