package core

import (
	"context"
)

// ScoreRequest carries one batch of rendered outputs for reward scoring,
// aligned index-wise with the prompts and metadata that produced them.
type ScoreRequest struct {
	Outputs  []*Tensor
	Prompts  []string
	Metadata []map[string]string
}

// ScoreResult holds one reward per input. Rewards[i] has length 1 for scalar
// scoring or more for multi-criterion scoring; within one run every reward
// has the same length. Rewards are higher-is-better on every axis; the
// pairwise domination comparison consumes them as-is and prefers the
// elementwise-greater vector.
type ScoreResult struct {
	Rewards  [][]float64
	Metadata map[string]interface{}
}

// Scorer evaluates rendered outputs against their prompts. Implementations
// are batched and may be remote; errors abort the epoch.
type Scorer interface {
	Score(ctx context.Context, req *ScoreRequest) (*ScoreResult, error)
	// RewardSize reports the per-item reward dimensionality the scorer
	// produces. 1 means scalar.
	RewardSize() int
}
