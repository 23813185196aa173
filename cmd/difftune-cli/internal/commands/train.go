package commands

import (
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lightfold/difftune/cmd/difftune-cli/internal/runner"
)

// NewTrainCommand runs a full training loop from a YAML run file.
func NewTrainCommand() *cobra.Command {
	var configPath string
	var resume string
	var latent string
	var verbose bool
	var world int
	var rank int
	var hubAddr string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a training loop from a YAML run file",
		Long: `Load and validate a run configuration, build the configured scorer and
prompt ladder, and train the simulation backend's policy with the
configured update rule (ddpo, d3po, or dpok).

The simulation backend is a deterministic in-process sampler over a small
latent space. It exercises the full loop (curriculum, advantages, gradient
accumulation, checkpoints, telemetry) without a diffusion model behind it.`,
		Example: `  # Start a fresh run
  difftune-cli train --config run.yaml

  # Resume the newest checkpoint under a run directory
  difftune-cli train --config run.yaml --resume out/sunny-field-42

  # Larger simulation latent space
  difftune-cli train --config run.yaml --latent 3x32x32

  # Two data-parallel workers on one machine
  difftune-cli train --config run.yaml --world 2 --rank 0 --hub 127.0.0.1:29500 &
  difftune-cli train --config run.yaml --world 2 --rank 1 --hub 127.0.0.1:29500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			shape, err := parseLatent(latent)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runner.Run(ctx, runner.Options{
				ConfigPath:  configPath,
				Resume:      resume,
				LatentShape: shape,
				Verbose:     verbose,
				World:       world,
				Rank:        rank,
				HubAddr:     hubAddr,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Run configuration YAML file")
	cmd.Flags().StringVar(&resume, "resume", "", "Checkpoint directory or run root to resume from")
	cmd.Flags().StringVar(&latent, "latent", "3x16x16", "Latent shape of the simulation backend; [H W] or [3 H W] shapes render as images")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	cmd.Flags().IntVar(&world, "world", 1, "Number of data-parallel workers")
	cmd.Flags().IntVar(&rank, "rank", 0, "This worker's rank in [0, world)")
	cmd.Flags().StringVar(&hubAddr, "hub", "", "Collective hub address; rank 0 hosts it, other ranks join")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// parseLatent converts a shape like "4x8x8" into tensor dimensions.
func parseLatent(s string) ([]int, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	shape := make([]int, 0, len(parts))
	for _, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || dim < 1 {
			return nil, &flagError{flag: "latent", value: s}
		}
		shape = append(shape, dim)
	}
	if len(shape) == 0 {
		return nil, &flagError{flag: "latent", value: s}
	}
	return shape, nil
}

type flagError struct {
	flag  string
	value string
}

func (e *flagError) Error() string {
	return "invalid --" + e.flag + " value " + strconv.Quote(e.value)
}
