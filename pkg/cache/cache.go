// Package cache provides reward caches for scorers. Model-backed scorers
// bill per call, and identical rendered outputs recur, within a run on the
// deterministic backend and across resumed runs. Caching judgements by
// content hash means one rendered output is only ever scored once.
package cache

import (
	"context"
	"time"

	"github.com/lightfold/difftune/pkg/errors"
)

// Cache stores reward vectors keyed by content hash. Implementations are
// safe for concurrent use.
type Cache interface {
	// Get returns the cached reward for key and whether it was present.
	Get(ctx context.Context, key string) ([]float64, bool, error)

	// Set stores a reward under key. A ttl of zero means the entry never
	// expires.
	Set(ctx context.Context, key string, reward []float64, ttl time.Duration) error

	// Clear drops every entry and resets the counters.
	Clear(ctx context.Context) error

	// Stats returns usage counters.
	Stats() Stats

	// Close releases any resources held by the cache.
	Close() error
}

// Stats counts cache traffic since construction (or the last Clear).
type Stats struct {
	Hits       int64     `json:"hits"`
	Misses     int64     `json:"misses"`
	Sets       int64     `json:"sets"`
	Evictions  int64     `json:"evictions"`
	Entries    int64     `json:"entries"`
	LastAccess time.Time `json:"last_access"`
}

// New builds a cache by kind. "memory" keeps at most maxEntries rewards in
// process; "sqlite" persists them at path so resumed runs keep their hits.
func New(kind, path string, maxEntries int) (Cache, error) {
	switch kind {
	case "memory":
		return NewMemory(maxEntries), nil
	case "sqlite":
		return NewSQLite(path)
	default:
		return nil, errors.Newf(errors.ConfigurationError, "unknown cache kind %q", kind)
	}
}
