package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lightfold/difftune/cmd/difftune-cli/internal/display"
	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/telemetry"
)

// NewInspectCommand reads metrics back out of a run's telemetry database.
func NewInspectCommand() *cobra.Command {
	var db string
	var metric string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read metrics back from a run's telemetry database",
		Long: `Open the telemetry.db a run wrote and either list every metric it
recorded or, with --metric, print one metric's full history in step
order. The database uses a WAL journal, so a live run can keep logging
while it is being inspected.`,
		Example: `  # What did the run record?
  difftune-cli inspect --db out/sunny-field-42/telemetry.db

  # Full history of one metric
  difftune-cli inspect --db out/sunny-field-42/telemetry.db --metric reward_mean`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening a missing path would create an empty database, so a
			// typo has to be caught before the sink gets to it.
			if _, err := os.Stat(db); err != nil {
				return errors.Wrap(err, errors.InvalidInput, "cannot open telemetry database")
			}
			sink, err := telemetry.NewSQLiteSink(db)
			if err != nil {
				return err
			}
			defer sink.Close()

			ctx := cmd.Context()
			if metric == "" {
				metrics, err := sink.Metrics(ctx)
				if err != nil {
					return err
				}
				fmt.Print(display.FormatMetrics(db, metrics))
				return nil
			}

			points, err := sink.Scalars(ctx, metric)
			if err != nil {
				return err
			}
			if len(points) == 0 {
				return errors.WithFields(
					errors.New(errors.InvalidInput, "metric not recorded in this database"),
					errors.Fields{"metric": metric, "db": db})
			}
			fmt.Print(display.FormatScalars(metric, points))
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "Path to a run's telemetry.db")
	cmd.Flags().StringVar(&metric, "metric", "", "Print this metric's history instead of the overview")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}
