package logging

import (
	"context"
)

type contextKey int

const (
	runIDKey contextKey = iota
	rankKey
)

// WithRunID attaches a training-run identifier to the context. Every log
// entry emitted under this context carries the ID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID extracts the training-run identifier from the context.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey).(string)
	return id, ok
}

// WithRank attaches the data-parallel worker rank to the context.
func WithRank(ctx context.Context, rank int) context.Context {
	return context.WithValue(ctx, rankKey, rank)
}

// Rank extracts the worker rank from the context. Returns -1 when unset so
// single-process runs are distinguishable from rank 0 of a world.
func Rank(ctx context.Context) int {
	if rank, ok := ctx.Value(rankKey).(int); ok {
		return rank
	}
	return -1
}
