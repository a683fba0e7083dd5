package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"redeploy/cmd/redeploy/cmdutil"
	"redeploy/internal/audit"
	"redeploy/internal/logretention"
	"redeploy/internal/metrics"
	"redeploy/internal/supervise"

	"github.com/spf13/cobra"
)

func keepCmd(e *env) *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "keep -- <command> [args...]",
		Short: "Run a command and restart it whenever it exits",
		Long: "Run a command and restart it after a fixed delay whenever it exits, with no retry limit.\n" +
			"Use this where systemd is not available to supervise redeployd.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if delay <= 0 {
				delay = e.cfg.Supervision.RestartDelay
			}
			k := &supervise.Keeper{
				Launcher: supervise.CommandLauncher{Path: args[0], Args: args[1:]},
				Delay:    delay,
			}
			return k.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before each restart (default supervision.restart_delay)")
	return cmd
}

func healthCheckCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Start the watcher service if it is not active",
		Long: "Check that the watcher service is active and start it if not. Nothing is logged when the\n" +
			"service is already active. Run by redeploy-healthcheck.timer.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer e.logTo(cmdutil.ComponentHealthCheck).Close()
			cfg := e.cfg
			unit := cfg.Supervision.WatcherUnit
			m := metrics.New(false)
			defer writeTextfile(m, cfg.Metrics.TextfileDir, "redeploy_healthcheck")

			units, err := cmdutil.Units(cmd.Context())
			if err != nil {
				slog.Error("Watcher service recovery failed.", "unit", unit, "err", err)
				m.ObserveHealthCheck(supervise.OutcomeRecoveryFailed.String())
				return nil
			}
			defer units.Close()

			h := &supervise.HealthCheck{
				Units:        units,
				Unit:         unit,
				RecheckDelay: cfg.Supervision.RecheckDelay,
				Metrics:      m,
			}
			h.Run(cmd.Context())
			return nil
		},
	}
}

func auditCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Restart managed containers that are stopped or unhealthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer e.logTo(cmdutil.ComponentAudit).Close()
			cfg := e.cfg

			a := &audit.Auditor{
				Containers:  cfg.Audit.Containers,
				Metrics:     metrics.New(false),
				TextfileDir: cfg.Metrics.TextfileDir,
			}
			if rt, err := cmdutil.Runtime(cfg); err != nil {
				a.RuntimeErr = err
			} else {
				defer rt.Close()
				a.Runtime = rt
			}
			a.Run(cmd.Context())
			return nil
		},
	}
}

func pruneLogsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-logs",
		Short: "Delete log files older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer e.logTo(cmdutil.ComponentPrune).Close()
			p := logretention.Pruner{Dir: e.cfg.Logs.Dir, Retention: e.cfg.Logs.Retention}
			if _, err := p.Prune(cmd.Context()); err != nil {
				slog.Warn("Some log files could not be pruned.", "err", err)
			}
			return nil
		},
	}
}

func writeTextfile(m *metrics.Metrics, dir, name string) {
	if err := m.WriteTextfile(dir, name); err != nil {
		slog.Warn("Could not write metrics textfile.", "err", fmt.Errorf("%s: %w", name, err))
	}
}
