package cmd

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"pricing-desktop/internal/jobs"
	"pricing-desktop/internal/lifecycle"
	"pricing-desktop/internal/services/processing"
)

func newRunCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <pdf>...",
		Short: "Upload invoices, process them and wait for the result",
		Example: fmt.Sprintf(`  # Price two invoices
  %[1]s run invoices/a.pdf invoices/b.pdf`, cliName),
		Args: cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if err := processing.ValidateUploadPaths(args); err != nil {
				return err
			}

			ctx := c.Context()
			out := c.OutOrStdout()
			progress := &progressPrinter{w: out, quiet: o.output == "json"}

			return o.withBackend(ctx, func(ctrl *lifecycle.Controller) error {
				uploaded, err := ctrl.Processing.Upload(args)
				if err != nil {
					return err
				}
				if !progress.quiet {
					fmt.Fprintf(out, "Uploaded %d file(s)\n", len(uploaded.Uploaded))
					for _, e := range uploaded.Errors {
						fmt.Fprintf(out, "  skipped: %s\n", e)
					}
				}

				run, err := ctrl.Processing.StartProcessing()
				if err != nil {
					return err
				}

				_, waitErr := run.Handle.Wait(ctx)
				if waitErr != nil && !errors.Is(waitErr, jobs.ErrJobFailed) {
					return waitErr
				}

				view, err := ctrl.Processing.GetJob(run.JobID)
				if err != nil {
					return err
				}
				if err := o.print(out, view, func(w io.Writer) {
					if len(view.Results) > 0 {
						fmt.Fprintf(w, "Results: %s\n", view.Results)
					}
				}); err != nil {
					return err
				}
				return waitErr
			}, lifecycle.WithEmitter(progress))
		},
	}
}

// progressPrinter prints one line per distinct job snapshot
type progressPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
	last  string
}

func (p *progressPrinter) Emit(name string, payload interface{}) {
	view, ok := payload.(*processing.JobView)
	if !ok || p.quiet {
		return
	}

	line := fmt.Sprintf("%-10s %3.0f%%  %s", view.Status, view.Progress*100, view.Message)
	if view.Stale {
		line += "  (status unavailable, retrying)"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintln(p.w, line)
}
