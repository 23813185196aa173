package curriculum

import (
	"sync"

	"github.com/lightfold/difftune/pkg/errors"
)

// Observation is one (step, difficulty, reward) report from the collector,
// fed to the controller once per sampling batch.
type Observation struct {
	Step       int64
	Difficulty int
	Reward     float64
}

// Controller consumes observations and decides the next target difficulty.
// The decision is a pure function of the observation stream: identical
// streams produce identical difficulty sequences. Non-finite rewards are
// dropped from the trend window and hold the (clamped) current difficulty, so
// NaN never reaches the returned tier.
type Controller struct {
	mu       sync.Mutex
	minTier  int
	maxTier  int
	strategy Strategy

	recent []float64 // bounded trend window, oldest first
	cap    int
	seen   int64
	last   Observation
}

// NewController builds a controller over the inclusive tier range
// [minTier, maxTier]. The window capacity bounds how much reward history the
// strategy can see.
func NewController(minTier, maxTier int, strategy Strategy, windowCap int) (*Controller, error) {
	if minTier > maxTier {
		return nil, errors.WithFields(
			errors.New(errors.ConfigurationError, "difficulty range is inverted"),
			errors.Fields{"min_tier": minTier, "max_tier": maxTier})
	}
	if strategy == nil {
		return nil, errors.New(errors.ConfigurationError, "curriculum strategy is required")
	}
	if windowCap <= 0 {
		windowCap = 1
	}
	return &Controller{
		minTier:  minTier,
		maxTier:  maxTier,
		strategy: strategy,
		cap:      windowCap,
	}, nil
}

// InferTargetDifficulty returns the difficulty for the next sampling batch.
// The result always lies within [minTier, maxTier]. The caller applies it to
// the prompt source before the next batch; the batch already in flight keeps
// its tier.
func (c *Controller) InferTargetDifficulty(obs Observation) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = obs
	current := c.clamp(obs.Difficulty)

	if !isFinite(obs.Reward) {
		return current
	}

	c.recent = append(c.recent, obs.Reward)
	if len(c.recent) > c.cap {
		c.recent = c.recent[len(c.recent)-c.cap:]
	}
	c.seen++

	return c.clamp(c.strategy.Propose(c.recent, c.seen, current))
}

// Range returns the controller's inclusive tier bounds.
func (c *Controller) Range() (min, max int) {
	return c.minTier, c.maxTier
}

// LastObservation returns the most recent observation, for telemetry.
func (c *Controller) LastObservation() Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) clamp(d int) int {
	if d < c.minTier {
		return c.minTier
	}
	if d > c.maxTier {
		return c.maxTier
	}
	return d
}
