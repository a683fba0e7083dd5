package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"redeploy/config"
)

// UnitManager registers unit files with systemd.
// Production: adapter/systemd.Manager
// Testing: fake.UnitManager
type UnitManager interface {
	Reload(ctx context.Context) error
	Enable(ctx context.Context, paths ...string) error
	Disable(ctx context.Context, paths ...string) error
	StartUnit(ctx context.Context, unit string) error
	StopUnit(ctx context.Context, unit string) error
}

type Installer struct {
	Units      UnitManager
	Config     config.Config
	ConfigPath string
}

// Report lists which unit files an install pass changed.
type Report struct {
	Written   []string
	Unchanged []string
}

// Install writes every unit, enables the watcher and the timers, and starts
// them. Unit names are fixed, so running it again replaces the same files
// and never registers a task twice.
func (i *Installer) Install(ctx context.Context) (Report, error) {
	cfg := i.Config
	for _, dir := range []string{cfg.DataDir, cfg.Logs.Dir, filepath.Dir(cfg.Watcher.TriggerPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Report{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	units, err := Render(cfg, i.ConfigPath)
	if err != nil {
		return Report{}, err
	}
	rep, err := i.write(units)
	if err != nil {
		return rep, err
	}
	if err := i.register(ctx, units); err != nil {
		return rep, err
	}
	slog.Info("Installed redeploy units.", "written", len(rep.Written), "unchanged", len(rep.Unchanged))
	return rep, nil
}

// Uninstall stops, disables and removes every unit. Units that are already
// gone are skipped.
func (i *Installer) Uninstall(ctx context.Context) error {
	units, err := Render(i.Config, i.ConfigPath)
	if err != nil {
		return err
	}

	var names []string
	for idx := len(units) - 1; idx >= 0; idx-- {
		u := units[idx]
		if !u.Enable {
			continue
		}
		if err := i.Units.StopUnit(ctx, u.Name); err != nil {
			slog.Debug("Stop unit failed.", "unit", u.Name, "err", err)
		}
		names = append(names, u.Name)
	}
	if err := i.Units.Disable(ctx, names...); err != nil {
		slog.Debug("Disable units failed.", "err", err)
	}

	var errs []error
	for _, u := range units {
		if err := os.Remove(i.path(u.Name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove unit %s: %w", u.Name, err))
		}
	}
	if err := i.Units.Reload(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reload systemd: %w", err))
	}
	return errors.Join(errs...)
}

// EnsureLogRetention schedules the log-pruning timer if its unit file does
// not exist yet. An existing timer is left untouched.
func (i *Installer) EnsureLogRetention(ctx context.Context) error {
	if _, err := os.Stat(i.path(PruneTimer)); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("check prune timer: %w", err)
	}

	units, err := PruneUnits(i.Config, i.ConfigPath)
	if err != nil {
		return err
	}
	if _, err := i.write(units); err != nil {
		return err
	}

	// Runs inside an update cycle; bounded like a runtime call.
	if d := i.Config.Runtime.CallTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := i.register(ctx, units); err != nil {
		return err
	}
	slog.Info("Scheduled log pruning.", "timer", PruneTimer, "retention", i.Config.Logs.Retention)
	return nil
}

func (i *Installer) path(name string) string {
	return filepath.Join(i.Config.Install.UnitDir, name)
}

func (i *Installer) write(units []Unit) (Report, error) {
	var rep Report
	if err := os.MkdirAll(i.Config.Install.UnitDir, 0o755); err != nil {
		return rep, fmt.Errorf("create unit dir: %w", err)
	}
	for _, u := range units {
		path := i.path(u.Name)
		if cur, err := os.ReadFile(path); err == nil && bytes.Equal(cur, []byte(u.Content)) {
			rep.Unchanged = append(rep.Unchanged, u.Name)
			continue
		}
		if err := os.WriteFile(path, []byte(u.Content), 0o644); err != nil {
			return rep, fmt.Errorf("write unit %s: %w", u.Name, err)
		}
		rep.Written = append(rep.Written, u.Name)
	}
	return rep, nil
}

func (i *Installer) register(ctx context.Context, units []Unit) error {
	if err := i.Units.Reload(ctx); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}

	var paths []string
	for _, u := range units {
		if u.Enable {
			paths = append(paths, i.path(u.Name))
		}
	}
	if len(paths) == 0 {
		return nil
	}
	if err := i.Units.Enable(ctx, paths...); err != nil {
		return fmt.Errorf("enable units: %w", err)
	}
	for _, u := range units {
		if !u.Enable {
			continue
		}
		if err := i.Units.StartUnit(ctx, u.Name); err != nil {
			return fmt.Errorf("start %s: %w", u.Name, err)
		}
	}
	return nil
}
