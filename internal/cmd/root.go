package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"pricing-desktop/internal/backend"
	"pricing-desktop/internal/config"
	"pricing-desktop/internal/lifecycle"
)

const cliName = "pricingctl"

// Exit codes
const (
	exitOK           = 0
	exitError        = 1
	exitStartFailure = 2
)

type globalOptions struct {
	configPath string
	output     string
	verbose    bool
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   cliName,
		Short: "Run the invoice pricing backend without the desktop window",
		Long: `pricingctl starts the bundled pricing backend the same way the desktop
app does, and drives it from the command line: pre-flight checks, batch
processing, configuration and local history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("invalid output format %q (allowed: text|json)", opts.output)
			}
			if opts.verbose {
				log.SetOutput(c.ErrOrStderr())
			} else {
				log.SetOutput(io.Discard)
			}
			return nil
		},
	}

	// parses all flags not just the target command
	root.TraverseChildren = true

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the settings file to load.")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Configures the output format (text|json).")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Write application logs to stderr.")

	root.AddCommand(
		newCheckCmd(opts),
		newRunCmd(opts),
		newConfigCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}

// Execute runs the CLI with args and returns the process exit code
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		var startupErr *backend.StartupError
		if errors.As(err, &startupErr) {
			fmt.Fprintln(stderr, startupErr.UserMessage())
			return exitStartFailure
		}
		fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}
	return exitOK
}

// open loads settings and opens a controller without starting the backend
func (o *globalOptions) open(ctx context.Context, extra ...lifecycle.Option) (*lifecycle.Controller, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	opts := append([]lifecycle.Option{lifecycle.WithoutMonitor()}, extra...)
	ctrl := lifecycle.New(cfg, opts...)
	if err := ctrl.Open(ctx); err != nil {
		ctrl.Shutdown()
		return nil, err
	}
	return ctrl, nil
}

// withBackend runs fn against a ready backend and always stops it afterwards
func (o *globalOptions) withBackend(ctx context.Context, fn func(*lifecycle.Controller) error, extra ...lifecycle.Option) error {
	ctrl, err := o.open(ctx, extra...)
	if err != nil {
		return err
	}
	defer ctrl.Shutdown()

	if err := ctrl.StartBackend(ctx); err != nil {
		return err
	}
	return fn(ctrl)
}

// print writes v as indented JSON or through text
func (o *globalOptions) print(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
