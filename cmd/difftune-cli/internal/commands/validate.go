package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lightfold/difftune/cmd/difftune-cli/internal/display"
	"github.com/lightfold/difftune/cmd/difftune-cli/internal/runner"
)

// NewValidateCommand checks a run configuration without starting a run.
func NewValidateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a run configuration and print the effective result",
		Long: `Load the configuration file, apply defaults and DIFFTUNE_ environment
overrides, run the full validation pass, and print the effective
configuration the trainer would start with.

Validation reports every violated field, not just the first one.`,
		Example: `  # Check a run file before launching it
  difftune-cli validate --config run.yaml

  # Check what an environment override produces
  DIFFTUNE_TRAIN_BATCH_SIZE=8 difftune-cli validate --config run.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := runner.Validate(configPath)
			if err != nil {
				return err
			}
			out, err := display.FormatConfig(cfg)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Run configuration YAML file")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
