package main

import (
	"fmt"
	"io"
	"os"

	"redeploy/cmd/redeploy/cmdutil"
	"redeploy/cmd/redeploy/ui"
	"redeploy/config"
	"redeploy/internal/buildinfo"

	"github.com/spf13/cobra"
)

// env is shared by every subcommand once the root pre-run has loaded the
// config file.
type env struct {
	configPath string
	debug      bool
	noColor    bool
	cfg        config.Config
}

// logTo routes slog output to stderr and the component's daily log file.
func (e *env) logTo(component string) io.Closer {
	closer, err := cmdutil.Logging(e.cfg, component, e.debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.WarnMsg("log file unavailable: %v", err))
		closer, _ = cmdutil.Logging(e.cfg, "", e.debug)
	}
	return closer
}

func main() {
	e := &env{}

	root := &cobra.Command{
		Use:           "redeploy",
		Short:         "Self-healing container updates for a single host",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureColor(e.noColor)
			cfg, err := config.Load(e.configPath)
			if err != nil {
				return err
			}
			e.cfg = cfg
			if e.configPath == "" {
				e.configPath = config.DefaultPath
			}
			_, err = cmdutil.Logging(cfg, "", e.debug)
			return err
		},
	}
	root.PersistentFlags().StringVar(&e.configPath, "config", "", "Config file (default "+config.DefaultPath+")")
	root.PersistentFlags().BoolVar(&e.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&e.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		keepCmd(e),
		healthCheckCmd(e),
		auditCmd(e),
		pruneLogsCmd(e),
		triggerCmd(e),
		updateCmd(e),
		statusCmd(e),
		installCmd(e),
		uninstallCmd(e),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
