package main

import (
	"fmt"

	"redeploy/cmd/redeploy/cmdutil"
	"redeploy/cmd/redeploy/ui"

	"github.com/spf13/cobra"
)

func installCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install and start the watcher service and the supervision timers",
		Long: "Write the redeployd service and the health check, audit and log pruning timers to\n" +
			"install.unit_dir, then enable and start them. Safe to run again after editing the config.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := cmdutil.Units(cmd.Context())
			if err != nil {
				return err
			}
			defer units.Close()

			fmt.Println(ui.InfoMsg("installing units in %s", e.cfg.Install.UnitDir))
			rep, err := cmdutil.Installer(e.cfg, e.configPath, units).Install(cmd.Context())
			if err != nil {
				return fmt.Errorf("install: %w", err)
			}
			for _, name := range rep.Written {
				fmt.Println(ui.SuccessMsg("wrote %s", name))
			}
			for _, name := range rep.Unchanged {
				fmt.Println(ui.Muted("  unchanged " + name))
			}
			fmt.Println(ui.SuccessMsg("%s is running", e.cfg.Supervision.WatcherUnit))
			return nil
		},
	}
}

func uninstallCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the watcher service and the supervision timers",
		Long:  "Stop, disable and remove every redeploy unit. The managed container and its data are left alone.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := cmdutil.Units(cmd.Context())
			if err != nil {
				return err
			}
			defer units.Close()

			if err := cmdutil.Installer(e.cfg, e.configPath, units).Uninstall(cmd.Context()); err != nil {
				return fmt.Errorf("uninstall: %w", err)
			}
			fmt.Println(ui.SuccessMsg("redeploy units removed"))
			return nil
		},
	}
}
