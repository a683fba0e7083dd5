package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"redeploy/cmd/redeploy/cmdutil"
	"redeploy/config"
	"redeploy/internal/adapter/sqlite"
	"redeploy/internal/adapter/systemd"
	"redeploy/internal/buildinfo"
	"redeploy/internal/install"
	"redeploy/internal/logging"
	"redeploy/internal/metrics"
	"redeploy/internal/trigger"
	"redeploy/internal/watcher"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if _, err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("Watcher exited.", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:           "redeployd",
		Short:         "Watch for update triggers and replace the managed container",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if configPath == "" {
				configPath = config.DefaultPath
			}
			closer, err := cmdutil.Logging(cfg, cmdutil.ComponentWatcher, debug)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Config file (default "+config.DefaultPath+")")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func run(ctx context.Context, cfg config.Config, configPath string) error {
	slog.Info("Starting redeploy watcher.", "version", buildinfo.Version, "container", cfg.Container.Name)

	rt, err := cmdutil.Runtime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.WaitReady(ctx); err != nil {
		return err
	}

	var units install.UnitManager
	if m, err := cmdutil.Units(ctx); err != nil {
		slog.Warn("systemd unavailable; log retention will not be scheduled.", "err", err)
	} else {
		defer m.Close()
		units = m
	}

	exec, err := cmdutil.Executor(ctx, cfg, configPath, rt, units)
	if err != nil {
		return err
	}
	mailbox, err := trigger.New(cfg.Watcher.TriggerPath)
	if err != nil {
		return err
	}

	m := metrics.New(true)
	notifier := systemd.Notifier{}
	w := &watcher.Watcher{
		Mailbox:  mailbox,
		Executor: exec,
		Metrics:  m,
		Notifier: notifier,
		Interval: cfg.Watcher.PollInterval,
	}
	if store := openHistory(cfg.HistoryPath()); store != nil {
		defer store.Close()
		w.History = store
	}

	err = watch(ctx, w, cfg.Metrics.Listen, cfg.Supervision.WatchdogSec)
	notifier.Stopping()
	return err
}

// openHistory returns nil when the database cannot be opened; the watcher
// then runs without recording history.
func openHistory(path string) *sqlite.HistoryStore {
	store, err := sqlite.Open(path)
	if err != nil {
		slog.Error("Update history unavailable; continuing without it.", "path", path, "err", err)
		return nil
	}
	return store
}

// watch runs the watcher loop and, when listen is set, the metrics server.
// A metrics server failure is logged and leaves the loop running.
func watch(ctx context.Context, w *watcher.Watcher, listen string, maxPollAge time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	if listen != "" {
		health := func() error { return w.Healthy(maxPollAge) }
		g.Go(func() error {
			if err := metrics.Serve(ctx, listen, metrics.NewRouter(w.Metrics, health)); err != nil {
				slog.Error("Metrics server stopped; watcher keeps running.", "addr", listen, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}
