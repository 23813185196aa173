// Package curriculum closes the loop between observed reward and task
// selection: a controller watches the reward trend and moves the active
// difficulty tier, and a prompt loader serves tier-sharded prompts to the
// collector.
package curriculum

import (
	"math"

	"github.com/lightfold/difftune/pkg/errors"
)

// Strategy decides the next difficulty target from the recent reward trend.
// recent holds the controller's window of finite rewards, oldest first; seen
// is the total number of finite observations consumed so far. The controller
// clamps whatever the strategy returns, so strategies are free to propose
// out-of-range moves.
type Strategy interface {
	Name() string
	Propose(recent []float64, seen int64, current int) int
}

// MovingAverage raises the difficulty when the windowed mean reward signals
// mastery and lowers it on regression. It holds until the window is full so
// a couple of lucky batches cannot trigger a tier change.
type MovingAverage struct {
	Window     int
	RaiseAbove float64
	LowerBelow float64
}

func (s *MovingAverage) Name() string { return "moving-average" }

func (s *MovingAverage) Propose(recent []float64, seen int64, current int) int {
	if len(recent) < s.Window {
		return current
	}
	vals := recent[len(recent)-s.Window:]
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	switch {
	case mean >= s.RaiseAbove:
		return current + 1
	case mean <= s.LowerBelow:
		return current - 1
	default:
		return current
	}
}

// FixedPace raises the difficulty every Every observations regardless of
// reward. It exists as an ablation baseline for the reward-driven strategy.
type FixedPace struct {
	Every int64
}

func (s *FixedPace) Name() string { return "fixed-pace" }

func (s *FixedPace) Propose(recent []float64, seen int64, current int) int {
	if s.Every > 0 && seen > 0 && seen%s.Every == 0 {
		return current + 1
	}
	return current
}

// StrategyConfig selects and parameterizes a strategy by name.
type StrategyConfig struct {
	Name       string
	Window     int
	RaiseAbove float64
	LowerBelow float64
	PaceEvery  int64
}

// NewStrategy builds the named strategy. Unknown names and inconsistent
// thresholds are configuration errors.
func NewStrategy(cfg StrategyConfig) (Strategy, error) {
	switch cfg.Name {
	case "moving-average":
		if cfg.Window <= 0 {
			return nil, errors.New(errors.ConfigurationError,
				"moving-average strategy requires a positive window")
		}
		if cfg.RaiseAbove < cfg.LowerBelow {
			return nil, errors.WithFields(
				errors.New(errors.ConfigurationError,
					"moving-average raise threshold below lower threshold"),
				errors.Fields{"raise_above": cfg.RaiseAbove, "lower_below": cfg.LowerBelow})
		}
		return &MovingAverage{
			Window:     cfg.Window,
			RaiseAbove: cfg.RaiseAbove,
			LowerBelow: cfg.LowerBelow,
		}, nil
	case "fixed-pace":
		if cfg.PaceEvery <= 0 {
			return nil, errors.New(errors.ConfigurationError,
				"fixed-pace strategy requires a positive pace")
		}
		return &FixedPace{Every: cfg.PaceEvery}, nil
	default:
		return nil, errors.Newf(errors.ConfigurationError,
			"unknown curriculum strategy %q", cfg.Name)
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
