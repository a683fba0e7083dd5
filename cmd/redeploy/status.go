package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"redeploy/cmd/redeploy/cmdutil"
	"redeploy/cmd/redeploy/ui"
	"redeploy/internal/adapter/sqlite"
	"redeploy/internal/install"
	"redeploy/internal/status"

	"github.com/spf13/cobra"
)

func statusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervision, container and update status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := e.cfg

			r := &status.Reporter{
				WatcherUnit:     cfg.Supervision.WatcherUnit,
				HealthCheckUnit: install.HealthCheckTimer,
				AuditUnit:       install.AuditTimer,
				Container:       cfg.Container.Name,
				VersionFile:     cfg.Status.VersionFile,
				LogsDir:         cfg.Logs.Dir,
				AuditLines:      cfg.Status.AuditLines,
				HistoryEntries:  cfg.Status.HistoryEntries,
				NTPServer:       cfg.Status.NTPServer,
			}
			if units, err := cmdutil.Units(ctx); err != nil {
				slog.Debug("systemd unavailable.", "err", err)
			} else {
				defer units.Close()
				r.Units = units
			}
			if rt, err := cmdutil.Runtime(cfg); err != nil {
				slog.Debug("Docker unavailable.", "err", err)
			} else {
				defer rt.Close()
				r.Runtime = rt
			}
			if store, err := sqlite.Open(cfg.HistoryPath()); err != nil {
				slog.Debug("Update history unavailable.", "err", err)
			} else {
				defer store.Close()
				r.History = store
			}

			fmt.Print(renderStatus(r.Collect(ctx)))
			return nil
		},
	}
}

func renderStatus(rep status.Report) string {
	var sb strings.Builder

	sb.WriteString(ui.Heading("Supervision") + "\n")
	sb.WriteString(ui.KeyValues("  ",
		ui.KV("watcher", unitLine(rep.Watcher)),
		ui.KV("health check", unitLine(rep.HealthCheck)),
		ui.KV("audit", unitLine(rep.Audit)),
	))

	c := rep.Container
	sb.WriteString("\n" + ui.Heading("Container") + "\n")
	pairs := []ui.Pair{ui.KV("name", c.Name)}
	if c.Exists {
		pairs = append(pairs,
			ui.KV("state", ui.State(c.State.String())),
			ui.KV("health", ui.State(c.Health.String())),
			ui.KV("image", c.Image),
			ui.KV("version", orDash(c.Version)),
		)
	} else if c.Err == "" {
		pairs = append(pairs, ui.KV("state", ui.Error("not found")))
	}
	if c.Err != "" {
		pairs = append(pairs, ui.KV("error", ui.Error(c.Err)))
	}
	sb.WriteString(ui.KeyValues("  ", pairs...))

	sb.WriteString("\n" + ui.Heading("Last audit") + "\n")
	switch {
	case rep.AuditLog.Err != "" && len(rep.AuditLog.Lines) == 0:
		sb.WriteString("  " + ui.Muted(rep.AuditLog.Err) + "\n")
	default:
		sb.WriteString("  " + ui.Muted(rep.AuditLog.Path) + "\n")
		for _, l := range rep.AuditLog.Lines {
			sb.WriteString("  " + l + "\n")
		}
	}

	sb.WriteString("\n" + ui.Heading("Recent updates") + "\n")
	switch {
	case rep.HistoryErr != "":
		sb.WriteString("  " + ui.Error(rep.HistoryErr) + "\n")
	case len(rep.History) == 0:
		sb.WriteString("  " + ui.Muted("no updates recorded") + "\n")
	default:
		rows := make([][]string, 0, len(rep.History))
		for _, h := range rep.History {
			rows = append(rows, []string{
				h.StartedAt.Local().Format("2006-01-02 15:04:05"),
				orDash(h.Image),
				h.Reason,
				h.Elapsed.Round(time.Second).String(),
			})
		}
		sb.WriteString(ui.Table([]string{"STARTED", "IMAGE", "RESULT", "ELAPSED"}, rows) + "\n")
	}

	if rep.Clock != nil {
		sb.WriteString("\n" + ui.Heading("Clock") + "\n")
		if rep.Clock.Err != "" {
			sb.WriteString(ui.KeyValues("  ", ui.KV(rep.Clock.Server, ui.Error(rep.Clock.Err))))
		} else {
			sb.WriteString(ui.KeyValues("  ", ui.KV(rep.Clock.Server, "offset "+rep.Clock.Offset.String())))
		}
	}
	return sb.String()
}

func unitLine(u status.UnitStatus) string {
	line := ui.State(u.Active) + ui.Muted(" ("+u.Enabled+")")
	if u.Err != "" {
		line += " " + ui.Error(u.Err)
	}
	return line
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
