package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pricing-desktop/internal/lifecycle"
)

type checkResult struct {
	Ready   bool   `json:"ready"`
	URL     string `json:"url"`
	PID     int    `json:"pid"`
	Command string `json:"command"`
	LogPath string `json:"log_path"`
	Elapsed string `json:"elapsed"`
}

func newCheckCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Start the backend, wait until it is healthy, then stop it",
		Example: fmt.Sprintf(`  # Verify the Python runtime and backend install
  %[1]s check
  %[1]s check -o json`, cliName),
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			start := time.Now()
			return o.withBackend(c.Context(), func(ctrl *lifecycle.Controller) error {
				sup := ctrl.Supervisor()
				result := checkResult{
					Ready:   true,
					URL:     ctrl.Client().BaseURL(),
					PID:     sup.PID(),
					Command: sup.Spec().String(),
					LogPath: sup.LogPath(),
					Elapsed: time.Since(start).Round(time.Millisecond).String(),
				}
				return o.print(c.OutOrStdout(), result, func(w io.Writer) {
					fmt.Fprintf(w, "Backend ready at %s (pid %d) after %s\n", result.URL, result.PID, result.Elapsed)
					fmt.Fprintf(w, "Command: %s\n", result.Command)
					fmt.Fprintf(w, "Diagnostic log: %s\n", result.LogPath)
				})
			})
		},
	}
}
