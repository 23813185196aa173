package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lightfold/difftune/cmd/difftune-cli/internal/display"
	"github.com/lightfold/difftune/pkg/checkpoint"
)

// NewCheckpointsCommand lists the checkpoints a run has produced.
func NewCheckpointsCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List the checkpoints under a run directory",
		Long: `Scan a run directory for checkpoint_<N> subdirectories and report them in
epoch order, together with the directory a resumed run would load. Entries
that do not match the checkpoint naming pattern are ignored.`,
		Example: `  # Inspect a finished run
  difftune-cli checkpoints --dir out/sunny-field-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			epochs, err := checkpoint.List(dir)
			if err != nil {
				return err
			}
			if len(epochs) == 0 {
				fmt.Printf("no checkpoints under %s\n", dir)
				return nil
			}
			target, latest, err := checkpoint.ResolveLatest(dir)
			if err != nil {
				return err
			}
			fmt.Print(display.FormatCheckpoints(dir, epochs, latest, target))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Run directory holding checkpoint_<N> subdirectories")
	_ = cmd.MarkFlagRequired("dir")

	return cmd
}
