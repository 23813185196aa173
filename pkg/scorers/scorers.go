// Package scorers provides the built-in reward scorers. All scorers return
// higher-is-better rewards on every axis; the pairwise domination comparison
// consumes them as-is.
package scorers

import (
	"github.com/lightfold/difftune/pkg/cache"
	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

// Options tunes scorer construction. Zero values select sensible defaults.
type Options struct {
	// Model ID for model-backed scorers
	Model string

	// Scoring instruction template for model-backed scorers
	Prompt string

	// Concurrent requests for scorers that call out per image
	Concurrency int

	// API key override; the environment is consulted when empty
	APIKey string

	// Cache selects a reward cache kind ("memory" or "sqlite"); empty
	// scores every output fresh
	Cache string

	// CachePath locates the sqlite reward cache file
	CachePath string

	// CacheEntries bounds the memory cache; 0 means unbounded
	CacheEntries int
}

// New builds a scorer by name, wrapped in a reward cache when one is
// configured. Unknown names are a configuration error and abort startup.
func New(name string, opts Options) (core.Scorer, error) {
	scorer, err := build(name, opts)
	if err != nil || opts.Cache == "" {
		return scorer, err
	}

	store, err := cache.New(opts.Cache, opts.CachePath, opts.CacheEntries)
	if err != nil {
		return nil, err
	}
	// The signature folds in everything that changes the judgement, so
	// switching models or instructions never reuses stale rewards.
	return WithCache(scorer, store, name+"|"+opts.Model+"|"+opts.Prompt, 0), nil
}

func build(name string, opts Options) (core.Scorer, error) {
	switch name {
	case "jpeg-compressibility":
		return &JPEGScorer{rewardSmall: true}, nil
	case "jpeg-incompressibility":
		return &JPEGScorer{rewardSmall: false}, nil
	case "claude-vision":
		return NewClaudeVision(opts)
	default:
		return nil, errors.Newf(errors.ConfigurationError, "unknown scorer %q", name)
	}
}
