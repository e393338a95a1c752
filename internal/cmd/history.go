package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd(o *globalOptions) *cobra.Command {
	var (
		limit    int
		launches bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent processing runs or backend launches",
		Example: fmt.Sprintf(`  %[1]s history
  %[1]s history --launches --limit 5`, cliName),
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			ctrl, err := o.open(c.Context())
			if err != nil {
				return err
			}
			defer ctrl.Shutdown()

			out := c.OutOrStdout()

			if launches {
				list, err := ctrl.Monitor.ListLaunches(limit)
				if err != nil {
					return err
				}
				return o.print(out, list, func(w io.Writer) {
					if len(list) == 0 {
						fmt.Fprintln(w, "No backend launches recorded")
						return
					}
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "STARTED\tSTATE\tPID\tATTEMPTS\tFAILURE")
					for _, l := range list {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", l.StartedAt, l.State, l.PID, l.Attempts, l.FailureKind)
					}
					tw.Flush()
				})
			}

			runs, err := ctrl.Processing.ListRuns(limit)
			if err != nil {
				return err
			}
			return o.print(out, runs, func(w io.Writer) {
				if len(runs) == 0 {
					fmt.Fprintln(w, "No processing runs recorded")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tSTATUS\tPROGRESS\tFILES\tMESSAGE")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\t%s\n",
						r.StartedAt.Format(time.RFC3339), r.Status, r.Progress,
						strings.Join(r.Files, ","), r.Message)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries.")
	cmd.Flags().BoolVar(&launches, "launches", false, "List backend launches instead of processing runs.")
	return cmd
}
