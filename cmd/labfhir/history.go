package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/labfhir/internal/core"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the history database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			history, closeHistory, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer closeHistory()
			if history == nil {
				return errors.New(core.FormatUserError(core.ErrHistoryDisabled))
			}

			runs, err := history.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", core.DefaultRunsLimit, fmt.Sprintf("Number of runs to show (max %d)", core.MaxRunsLimit))
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print runs as JSON")
	return cmd
}

func printRuns(w io.Writer, runs []core.RunRecord) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tFILE\tVERSION\tDRY RUN\tTOTAL\tVALID\tPATIENTS\tOBSERVATIONS\tFAILED\tSOURCE")
	for _, r := range runs {
		c := r.Counters
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.ID, r.FileName, r.PipelineVersion, r.DryRun,
			c.TotalRead, c.Validated, c.Patients, c.Observations, c.Failed, r.Source,
		)
	}
	return tw.Flush()
}
