// Package install writes and registers the systemd units that run redeploy:
// the watcher service (first supervision tier) and the timers for the
// watcher health check, the container audit, and log pruning.
package install

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"redeploy/config"

	"github.com/coreos/go-systemd/v22/unit"
)

const (
	HealthCheckService = "redeploy-healthcheck.service"
	HealthCheckTimer   = "redeploy-healthcheck.timer"
	AuditService       = "redeploy-audit.service"
	AuditTimer         = "redeploy-audit.timer"
	PruneService       = "redeploy-prune.service"
	PruneTimer         = "redeploy-prune.timer"

	healthCheckBootDelay = 2 * time.Minute
	auditBootDelay       = 3 * time.Minute
)

// Unit is one rendered unit file.
type Unit struct {
	Name    string
	Content string
	// Enable is set for units carrying an [Install] section.
	Enable bool
}

func opt(section, name, value string) *unit.UnitOption {
	return unit.NewUnitOption(section, name, value)
}

func watcherUnit(cfg config.Config, configPath string) []*unit.UnitOption {
	return []*unit.UnitOption{
		opt("Unit", "Description", "redeploy trigger watcher"),
		opt("Unit", "After", "docker.service network-online.target"),
		opt("Unit", "Wants", "docker.service network-online.target"),
		opt("Unit", "StartLimitIntervalSec", "0"),
		opt("Service", "Type", "notify"),
		opt("Service", "ExecStart", cfg.Install.Daemon+" --config "+configPath),
		opt("Service", "Restart", "always"),
		opt("Service", "RestartSec", seconds(cfg.Supervision.RestartDelay)),
		opt("Service", "WatchdogSec", seconds(cfg.Supervision.WatchdogSec)),
		opt("Service", "NotifyAccess", "main"),
		opt("Install", "WantedBy", "multi-user.target"),
	}
}

func taskUnit(cfg config.Config, configPath, task, desc string) []*unit.UnitOption {
	return []*unit.UnitOption{
		opt("Unit", "Description", desc),
		opt("Unit", "After", "docker.service"),
		opt("Service", "Type", "oneshot"),
		opt("Service", "ExecStart", cfg.Install.CLIBinary+" "+task+" --config "+configPath),
	}
}

// timerUnit fires service every interval after bootDelay, or daily when
// interval is zero.
func timerUnit(service, desc string, interval, bootDelay time.Duration) []*unit.UnitOption {
	opts := []*unit.UnitOption{opt("Unit", "Description", desc+" timer")}
	if interval > 0 {
		opts = append(opts,
			opt("Timer", "OnBootSec", seconds(bootDelay)),
			opt("Timer", "OnUnitActiveSec", seconds(interval)),
			opt("Timer", "AccuracySec", "1s"),
		)
	} else {
		opts = append(opts,
			opt("Timer", "OnCalendar", "daily"),
			opt("Timer", "Persistent", "true"),
		)
	}
	return append(opts,
		opt("Timer", "Unit", service),
		opt("Install", "WantedBy", "timers.target"),
	)
}

// Render produces every unit for cfg. configPath is passed to the binaries
// through --config.
func Render(cfg config.Config, configPath string) ([]Unit, error) {
	type spec struct {
		name   string
		opts   []*unit.UnitOption
		enable bool
	}
	specs := []spec{
		{cfg.Supervision.WatcherUnit, watcherUnit(cfg, configPath), true},
		{HealthCheckService, taskUnit(cfg, configPath, "healthcheck", "redeploy watcher health check"), false},
		{HealthCheckTimer, timerUnit(HealthCheckService, "redeploy watcher health check",
			cfg.Supervision.CheckInterval, healthCheckBootDelay), true},
		{AuditService, taskUnit(cfg, configPath, "audit", "redeploy container audit"), false},
		{AuditTimer, timerUnit(AuditService, "redeploy container audit", cfg.Audit.Interval, auditBootDelay), true},
		{PruneService, taskUnit(cfg, configPath, "prune-logs", "redeploy log pruning"), false},
		{PruneTimer, timerUnit(PruneService, "redeploy log pruning", 0, 0), true},
	}

	units := make([]Unit, 0, len(specs))
	for _, s := range specs {
		content, err := io.ReadAll(unit.Serialize(s.opts))
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", s.name, err)
		}
		units = append(units, Unit{Name: s.name, Content: string(content), Enable: s.enable})
	}
	return units, nil
}

// PruneUnits returns only the log-pruning service and timer.
func PruneUnits(cfg config.Config, configPath string) ([]Unit, error) {
	all, err := Render(cfg, configPath)
	if err != nil {
		return nil, err
	}
	var out []Unit
	for _, u := range all {
		if u.Name == PruneService || u.Name == PruneTimer {
			out = append(out, u)
		}
	}
	return out, nil
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10) + "s"
}
