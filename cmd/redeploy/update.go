package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"redeploy/cmd/redeploy/cmdutil"
	"redeploy/cmd/redeploy/ui"
	"redeploy/internal/adapter/sqlite"
	"redeploy/internal/install"
	"redeploy/internal/trigger"
	"redeploy/internal/watcher"

	"github.com/spf13/cobra"
)

func triggerCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [image]",
		Short: "Request an update from the watcher",
		Long: "Write the update trigger file the watcher polls. Without an image the watcher resolves\n" +
			"the latest release from update.version_endpoint.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mb, err := trigger.New(e.cfg.Watcher.TriggerPath)
			if err != nil {
				return err
			}
			image := ""
			if len(args) == 1 {
				image = args[0]
			}
			if err := mb.Post(image); err != nil {
				return err
			}
			target := image
			if target == "" {
				target = "latest release"
			}
			fmt.Println(ui.SuccessMsg("update to %s requested", ui.Bold(target)))
			return nil
		},
	}
}

func updateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "update [image]",
		Short: "Run one update cycle now",
		Long: "Run one update cycle in this process. It shares the update lock with the watcher, so it\n" +
			"fails with in-progress while the watcher is updating.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer e.logTo(cmdutil.ComponentWatcher).Close()
			cfg := e.cfg

			rt, err := cmdutil.Runtime(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			var units install.UnitManager
			if m, err := cmdutil.Units(ctx); err != nil {
				slog.Warn("systemd unavailable; skipping log retention check.", "err", err)
			} else {
				defer m.Close()
				units = m
			}

			exec, err := cmdutil.Executor(ctx, cfg, e.configPath, rt, units)
			if err != nil {
				return err
			}
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			res, runErr := exec.Execute(ctx, target)

			if store, err := sqlite.Open(cfg.HistoryPath()); err != nil {
				slog.Warn("Could not open update history.", "err", err)
			} else {
				if err := store.Record(ctx, watcher.EntryFor(res)); err != nil {
					slog.Warn("Could not record update history.", "err", err)
				}
				_ = store.Close()
			}

			if runErr != nil {
				return fmt.Errorf("update %s: %w", res.Reason, runErr)
			}
			fmt.Println(ui.SuccessMsg("%s running %s (%s)", cfg.Container.Name, ui.Bold(res.Image),
				res.Elapsed.Round(time.Millisecond)))
			for _, w := range res.Warnings {
				fmt.Println(ui.WarnMsg("%s", w))
			}
			return nil
		},
	}
}
