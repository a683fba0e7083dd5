// Package cmdutil assembles adapters from configuration for the redeploy
// and redeployd binaries.
package cmdutil

import (
	"context"
	"fmt"
	"io"

	"redeploy/config"
	"redeploy/internal/adapter/docker"
	"redeploy/internal/adapter/systemd"
	"redeploy/internal/install"
	"redeploy/internal/logging"
	"redeploy/internal/resolve"
	"redeploy/internal/runspec"
	"redeploy/internal/update"
)

// Component names double as daily log file prefixes.
const (
	ComponentWatcher     = "watcher"
	ComponentHealthCheck = "healthcheck"
	ComponentAudit       = "audit"
	ComponentPrune       = "prune"
)

// Logging configures the process logger. A non-empty component also writes
// to that component's daily file under cfg.Logs.Dir.
func Logging(cfg config.Config, component string, debug bool) (io.Closer, error) {
	level := logging.LevelInfo
	if debug {
		level = logging.LevelDebug
	}
	if component == "" {
		return logging.Configure(level)
	}
	return logging.Configure(level, logging.WithComponentFile(cfg.Logs.Dir, component))
}

// Runtime opens the Docker runtime with the configured call timeouts.
func Runtime(cfg config.Config) (*docker.Runtime, error) {
	return docker.NewRuntime(cfg.Docker.Host,
		docker.WithCallTimeout(cfg.Runtime.CallTimeout),
		docker.WithPullTimeout(cfg.Runtime.PullTimeout),
		docker.WithStopTimeout(cfg.Runtime.StopTimeout),
	)
}

// Units connects to systemd over D-Bus.
func Units(ctx context.Context) (*systemd.Manager, error) {
	return systemd.Connect(ctx)
}

// Installer returns the unit installer bound to cfg.
func Installer(cfg config.Config, configPath string, units install.UnitManager) *install.Installer {
	return &install.Installer{Units: units, Config: cfg, ConfigPath: configPath}
}

// Executor builds the update executor for the managed container. units may
// be nil, in which case post-update maintenance is skipped.
func Executor(ctx context.Context, cfg config.Config, configPath string, rt *docker.Runtime, units install.UnitManager) (*update.Executor, error) {
	spec, err := runspec.FromConfig(ctx, cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("build run spec: %w", err)
	}

	opts := []update.Option{
		update.WithSettle(cfg.Update.Settle),
		update.WithLocker(update.NewFileLock(cfg.LockPath())),
	}
	if cfg.Update.VersionEndpoint != "" {
		opts = append(opts, update.WithResolver(resolve.NewHTTPResolver(cfg.Update.VersionEndpoint, cfg.Update.ResolveTimeout)))
	}
	if units != nil {
		opts = append(opts, update.WithMaintenance(Installer(cfg, configPath, units)))
	}
	return update.NewExecutor(rt, spec, opts...), nil
}
