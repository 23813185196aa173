package scorers

import (
	"context"
	"time"

	"github.com/lightfold/difftune/pkg/cache"
	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/logging"
)

// CachedScorer serves rewards from a cache and forwards only the misses to
// the wrapped scorer, as one sub-batch so the inner scorer keeps its own
// batching and fan-out behavior.
type CachedScorer struct {
	inner     core.Scorer
	cache     cache.Cache
	signature string
	ttl       time.Duration
}

// WithCache wraps scorer so identical outputs are judged once. signature
// becomes part of every key and must change whenever the scorer would judge
// differently (name, model, instruction).
func WithCache(scorer core.Scorer, c cache.Cache, signature string, ttl time.Duration) *CachedScorer {
	return &CachedScorer{inner: scorer, cache: c, signature: signature, ttl: ttl}
}

// Score looks every item up by content hash, scores the misses with the
// wrapped scorer and backfills the cache. Cache trouble is logged and
// treated as a miss; only cancellation and the inner scorer itself can fail
// the batch.
func (s *CachedScorer) Score(ctx context.Context, req *core.ScoreRequest) (*core.ScoreResult, error) {
	keys := make([]string, len(req.Outputs))
	rewards := make([][]float64, len(req.Outputs))
	var missing []int

	for i, output := range req.Outputs {
		keys[i] = cache.Key(s.signature, req.Prompts[i], output)
		cached, ok, err := s.cache.Get(ctx, keys[i])
		switch {
		case err != nil && errors.CodeOf(err) == errors.Canceled:
			return nil, err
		case err != nil:
			logging.GetLogger().Warn(ctx, "reward cache read failed, scoring instead: %v", err)
			missing = append(missing, i)
		case ok:
			rewards[i] = cached
		default:
			missing = append(missing, i)
		}
	}

	if len(missing) > 0 {
		sub := &core.ScoreRequest{
			Outputs: make([]*core.Tensor, len(missing)),
			Prompts: make([]string, len(missing)),
		}
		if req.Metadata != nil {
			sub.Metadata = make([]map[string]string, len(missing))
		}
		for j, i := range missing {
			sub.Outputs[j] = req.Outputs[i]
			sub.Prompts[j] = req.Prompts[i]
			if req.Metadata != nil {
				sub.Metadata[j] = req.Metadata[i]
			}
		}

		res, err := s.inner.Score(ctx, sub)
		if err != nil {
			return nil, err
		}
		if len(res.Rewards) != len(missing) {
			return nil, errors.WithFields(
				errors.New(errors.ScoringFailed, "scorer returned wrong reward count"),
				errors.Fields{"want": len(missing), "got": len(res.Rewards)})
		}
		for j, i := range missing {
			rewards[i] = res.Rewards[j]
			if err := s.cache.Set(ctx, keys[i], res.Rewards[j], s.ttl); err != nil {
				logging.GetLogger().Warn(ctx, "reward cache write failed: %v", err)
			}
		}
	}

	return &core.ScoreResult{Rewards: rewards}, nil
}

// RewardSize reports the wrapped scorer's reward dimensionality.
func (s *CachedScorer) RewardSize() int {
	return s.inner.RewardSize()
}

// CacheStats exposes the cache counters, for end-of-run reporting.
func (s *CachedScorer) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Close releases the cache. The wrapped scorer is not affected.
func (s *CachedScorer) Close() error {
	return s.cache.Close()
}
