package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pricing-desktop/internal/api"
	"pricing-desktop/internal/lifecycle"
)

func newConfigCmd(o *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the backend configuration",
	}
	cmd.AddCommand(newConfigShowCmd(o), newConfigSetCmd(o))
	return cmd
}

func newConfigShowCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the backend configuration (service key masked)",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return o.withBackend(c.Context(), func(ctrl *lifecycle.Controller) error {
				cfg, err := ctrl.Settings.GetConfig()
				if err != nil {
					return err
				}
				return o.print(c.OutOrStdout(), cfg, func(w io.Writer) {
					printConfig(w, cfg)
				})
			})
		},
	}
}

func printConfig(w io.Writer, cfg *api.BackendConfig) {
	fmt.Fprintf(w, "Azure endpoint:  %s\n", cfg.Azure.Endpoint)
	fmt.Fprintf(w, "Azure key:       %s\n", cfg.Azure.Key)
	fmt.Fprintf(w, "Sheet ID:        %s\n", cfg.GoogleSheets.SheetID)
	fmt.Fprintf(w, "Sheet name:      %s\n", cfg.GoogleSheets.SheetName)

	levels := make([]string, 0, len(cfg.VarianceThresholds))
	for level := range cfg.VarianceThresholds {
		levels = append(levels, level)
	}
	sort.Strings(levels)
	for _, level := range levels {
		fmt.Fprintf(w, "Threshold %-6s %.2f%%\n", level+":", cfg.VarianceThresholds[level])
	}
}

type configSetOptions struct {
	endpoint   string
	key        string
	sheetID    string
	sheetName  string
	green      float64
	yellow     float64
	restoreKey bool
}

func newConfigSetCmd(o *globalOptions) *cobra.Command {
	opts := &configSetOptions{}

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update parts of the backend configuration",
		Example: fmt.Sprintf(`  # Change the variance thresholds
  %[1]s config set --green 2.5 --yellow 8
  # Re-send the service key kept in local storage
  %[1]s config set --restore-key`, cliName),
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			update := opts.build(c.Flags())
			if update.IsEmpty() && !opts.restoreKey {
				return errors.New("nothing to update; pass at least one flag")
			}

			return o.withBackend(c.Context(), func(ctrl *lifecycle.Controller) error {
				if !update.IsEmpty() {
					if err := ctrl.Settings.UpdateConfig(update); err != nil {
						return err
					}
				}
				if opts.restoreKey {
					if err := ctrl.Settings.RestoreKey(); err != nil {
						return err
					}
				}
				fmt.Fprintln(c.OutOrStdout(), "Configuration updated")
				return nil
			})
		},
	}

	opts.bind(cmd.Flags())
	return cmd
}

func (s *configSetOptions) bind(f *pflag.FlagSet) {
	f.StringVar(&s.endpoint, "endpoint", "", "Document extraction endpoint URL.")
	f.StringVar(&s.key, "key", "", "Document extraction service key.")
	f.StringVar(&s.sheetID, "sheet-id", "", "Google Sheet ID results are written to.")
	f.StringVar(&s.sheetName, "sheet-name", "", "Worksheet name.")
	f.Float64Var(&s.green, "green", 0, "Green variance threshold (%).")
	f.Float64Var(&s.yellow, "yellow", 0, "Yellow variance threshold (%).")
	f.BoolVar(&s.restoreKey, "restore-key", false, "Re-send the locally stored service key.")
}

// build includes only the flags that were given
func (s *configSetOptions) build(f *pflag.FlagSet) api.ConfigUpdate {
	var u api.ConfigUpdate

	if f.Changed("endpoint") || f.Changed("key") {
		u.Azure = map[string]string{}
		if f.Changed("endpoint") {
			u.Azure["endpoint"] = s.endpoint
		}
		if f.Changed("key") {
			u.Azure["key"] = s.key
		}
	}
	if f.Changed("sheet-id") || f.Changed("sheet-name") {
		u.GoogleSheets = map[string]string{}
		if f.Changed("sheet-id") {
			u.GoogleSheets["sheet_id"] = s.sheetID
		}
		if f.Changed("sheet-name") {
			u.GoogleSheets["sheet_name"] = s.sheetName
		}
	}
	if f.Changed("green") || f.Changed("yellow") {
		u.VarianceThresholds = map[string]float64{}
		if f.Changed("green") {
			u.VarianceThresholds["green"] = s.green
		}
		if f.Changed("yellow") {
			u.VarianceThresholds["yellow"] = s.yellow
		}
	}
	return u
}
