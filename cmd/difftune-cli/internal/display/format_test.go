package display

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightfold/difftune/pkg/config"
	"github.com/lightfold/difftune/pkg/telemetry"
)

func TestFormatConfig(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Algorithm = "d3po"
	cfg.Run.Name = "demo-run"

	out, err := FormatConfig(cfg)
	require.NoError(t, err)

	assert.Contains(t, out, "algorithm:")
	assert.Contains(t, out, "d3po")
	assert.Contains(t, out, "demo-run")
	assert.Contains(t, out, "configuration valid")
	// 8 prompts per batch times 4 batches
	assert.Contains(t, out, "32 rollouts/epoch")
}

func TestFormatMetrics(t *testing.T) {
	out := FormatMetrics("out/run/telemetry.db", []telemetry.MetricSummary{
		{Name: "loss", Points: 12, FirstStep: 0, LastStep: 11, LastValue: 0.5},
		{Name: "reward_mean", Points: 3, FirstStep: 0, LastStep: 2, LastValue: -0.25},
	})

	assert.Contains(t, out, "out/run/telemetry.db")
	assert.Contains(t, out, "loss")
	assert.Contains(t, out, "reward_mean")
	assert.Contains(t, out, "12 points")
	assert.Contains(t, out, "steps 0..11")
	assert.Contains(t, out, "-0.25")
}

func TestFormatMetricsEmpty(t *testing.T) {
	out := FormatMetrics("telemetry.db", nil)
	assert.Contains(t, out, "(empty)")
}

func TestFormatScalarsOrdersSteps(t *testing.T) {
	out := FormatScalars("approx_kl", map[int64]float64{
		4: 0.125,
		0: 0.5,
		2: 0.0625,
	})

	assert.Contains(t, out, "approx_kl")
	assert.Contains(t, out, "points:")
	assert.Contains(t, out, "last:")

	// Step order, not map order.
	require.Less(t, strings.Index(out, "0.5"), strings.Index(out, "0.0625"))
	require.Less(t, strings.Index(out, "0.0625"), strings.Index(out, "0.125"))
}

func TestFormatScalarsEmpty(t *testing.T) {
	out := FormatScalars("loss", nil)
	assert.Contains(t, out, "(no recorded values)")
}

func TestFormatCheckpoints(t *testing.T) {
	out := FormatCheckpoints("out/run", []int{2, 9, 10}, 10, "out/run/checkpoint_10")

	assert.Contains(t, out, "checkpoint_2")
	assert.Contains(t, out, "checkpoint_9")
	assert.Contains(t, out, "checkpoint_10")
	assert.Contains(t, out, "(latest)")
	assert.Contains(t, out, "resume target:")
	assert.Contains(t, out, "out/run/checkpoint_10")
}
