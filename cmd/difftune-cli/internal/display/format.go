// Package display renders CLI output: configuration summaries, checkpoint
// listings and telemetry read-backs.
package display

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/lightfold/difftune/pkg/config"
	"github.com/lightfold/difftune/pkg/telemetry"
)

var (
	header  = color.New(color.Bold, color.FgBlue).SprintFunc()
	label   = color.New(color.FgCyan).SprintFunc()
	ok      = color.New(color.FgGreen).SprintFunc()
	marker  = color.New(color.Bold, color.FgGreen).SprintFunc()
	subdued = color.New(color.Faint).SprintFunc()
)

// FormatConfig renders the effective configuration: a one-line summary of
// the run shape followed by the full YAML the trainer would start with.
func FormatConfig(cfg *config.Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("cannot render configuration: %w", err)
	}

	var out strings.Builder
	out.WriteString(header("Effective configuration") + "\n")
	out.WriteString(strings.Repeat("=", 40) + "\n")
	out.WriteString(fmt.Sprintf("%s %s  %s %s  %s %d epochs\n",
		label("algorithm:"), cfg.Algorithm,
		label("scorer:"), cfg.Scorer.Name,
		label("run:"), cfg.Run.NumEpochs))
	out.WriteString(fmt.Sprintf("%s %d rollouts/epoch, train batch %d, %d inner epochs\n",
		label("shape:"), cfg.SamplesPerEpoch(), cfg.Train.BatchSize, cfg.Train.InnerEpochs))
	out.WriteString("\n")
	out.Write(data)
	out.WriteString("\n" + ok("configuration valid") + "\n")
	return out.String(), nil
}

// FormatMetrics renders the overview of a telemetry database: every metric
// name with its step range and newest value.
func FormatMetrics(path string, metrics []telemetry.MetricSummary) string {
	var out strings.Builder
	out.WriteString(header(fmt.Sprintf("Metrics in %s", path)) + "\n")
	if len(metrics) == 0 {
		out.WriteString(subdued("  (empty)") + "\n")
		return out.String()
	}

	width := 0
	for _, m := range metrics {
		if len(m.Name) > width {
			width = len(m.Name)
		}
	}
	for _, m := range metrics {
		out.WriteString(fmt.Sprintf("  %-*s  %4d points  steps %d..%d  %s %s\n",
			width, m.Name, m.Points, m.FirstStep, m.LastStep,
			label("last:"), formatValue(m.LastValue)))
	}
	return out.String()
}

// FormatScalars renders one metric's full history in step order.
func FormatScalars(name string, points map[int64]float64) string {
	var out strings.Builder
	out.WriteString(header(name) + "\n")
	if len(points) == 0 {
		out.WriteString(subdued("  (no recorded values)") + "\n")
		return out.String()
	}

	steps := make([]int64, 0, len(points))
	for step := range points {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })

	for _, step := range steps {
		out.WriteString(fmt.Sprintf("  %8d  %s\n", step, formatValue(points[step])))
	}
	out.WriteString(fmt.Sprintf("\n%s %d  %s %s\n",
		label("points:"), len(steps),
		label("last:"), formatValue(points[steps[len(steps)-1]])))
	return out.String()
}

// formatValue keeps full precision: inspect exists to compare runs, and a
// rounded rendering would hide real divergence.
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// FormatCheckpoints renders the checkpoints under a run directory with the
// resume target marked.
func FormatCheckpoints(root string, epochs []int, latest int, target string) string {
	var out strings.Builder
	out.WriteString(header(fmt.Sprintf("Checkpoints under %s", root)) + "\n")
	for _, epoch := range epochs {
		if epoch == latest {
			out.WriteString(fmt.Sprintf("  %s  %s\n",
				marker(fmt.Sprintf("checkpoint_%d", epoch)), subdued("(latest)")))
			continue
		}
		out.WriteString(fmt.Sprintf("  checkpoint_%d\n", epoch))
	}
	out.WriteString(fmt.Sprintf("\n%s %s\n", label("resume target:"), target))
	return out.String()
}
