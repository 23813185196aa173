package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lightfold/difftune/cmd/difftune-cli/internal/commands"
)

var rootCmd = &cobra.Command{
	Use:   "difftune-cli",
	Short: "Curriculum-driven RL fine-tuning for diffusion samplers",
	Long: `A command-line interface for the difftune training loop: validate run
configurations, launch training runs against the built-in simulation
backend, and inspect the checkpoints and telemetry a run has produced.

Rollout collection, reward scoring, the difficulty curriculum, and the
policy update rules all come from the difftune library; the CLI only
wires them together from a YAML run file.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(
		commands.NewTrainCommand(),
		commands.NewValidateCommand(),
		commands.NewCheckpointsCommand(),
		commands.NewInspectCommand(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
