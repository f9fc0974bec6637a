package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/flood-impact-runner/internal/checkpoint"
	"github.com/withObsrvr/flood-impact-runner/internal/merge"
)

var validateOutput string

// errValidationFailed reports a failed check. The report has already been
// printed, so main exits non-zero without a failure payload.
var errValidationFailed = errors.New("predictions failed validation")

var validateCmd = &cobra.Command{
	Use:   "validate <predictions.csv>",
	Short: "Validate a merged predictions file",
	Long: `Validate checks the required columns of a predictions file and prints a
summary: rows by state, loss category and occupancy, loss totals by state
and the share of zero-loss rows. It exits non-zero when a check fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := merge.Validate(args[0])
		if err != nil {
			return err
		}
		writeJSON(cmd.OutOrStdout(), report)
		if validateOutput != "" {
			if err := checkpoint.WriteFile(validateOutput, report); err != nil {
				return err
			}
		}
		if !report.Passed {
			return errValidationFailed
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateOutput, "output-json", "", "Also write the report to this path")
}
