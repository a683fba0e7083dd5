package main

import (
	"strings"
	"testing"
	"time"

	"redeploy/internal/history"
	"redeploy/internal/runtime"
	"redeploy/internal/status"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestRenderStatus(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	rep := status.Report{
		Watcher:     status.UnitStatus{Name: "redeployd.service", Active: "active", Enabled: "enabled"},
		HealthCheck: status.UnitStatus{Name: "redeploy-healthcheck.timer", Active: "active", Enabled: "enabled"},
		Audit:       status.UnitStatus{Name: "redeploy-audit.timer", Active: "unknown", Enabled: "unknown", Err: "systemd unavailable"},
		Container: status.ContainerStatus{
			Name: "app-web", Exists: true, State: runtime.RunStateRunning, Health: runtime.HealthHealthy,
			Image: "registry.example/app:2.5.0", Version: "2.5.0",
		},
		AuditLog: status.AuditLog{Path: "/var/log/redeploy/audit-2026-10-18.log", Lines: []string{"msg=\"Audit finished.\" ok=1"}},
		History: []history.Entry{{
			StartedAt: time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC),
			Image:     "registry.example/app:2.5.0",
			Reason:    "succeeded",
			Elapsed:   12 * time.Second,
		}},
		Clock: &status.ClockStatus{Server: "pool.ntp.org", Offset: 3 * time.Millisecond},
	}

	out := renderStatus(rep)
	for _, want := range []string{
		"watcher:",
		"active (enabled)",
		"systemd unavailable",
		"version: 2.5.0",
		"Audit finished.",
		"succeeded",
		"12s",
		"offset 3ms",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderStatusMissingContainer(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	out := renderStatus(status.Report{
		Container: status.ContainerStatus{Name: "app-web"},
		AuditLog:  status.AuditLog{Err: "no audit runs logged yet"},
	})
	for _, want := range []string{"not found", "no audit runs logged yet", "no updates recorded"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Clock") {
		t.Error("clock section rendered without a server")
	}
}
