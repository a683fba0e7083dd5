// Package audit checks each managed container once and restarts the ones
// that are stopped or report unhealthy.
package audit

import (
	"context"
	"log/slog"
	"time"

	"redeploy/internal/check"
	"redeploy/internal/clock"
	"redeploy/internal/metrics"
	"redeploy/internal/runtime"
)

type Decision uint8

const (
	DecisionOK Decision = iota + 1
	DecisionRestarted
	DecisionRestartFailed
)

func (d Decision) String() string {
	switch d {
	case DecisionOK:
		return "ok"
	case DecisionRestarted:
		return "restarted"
	case DecisionRestartFailed:
		return "restart-failed"
	default:
		return "unknown"
	}
}

// Result maps container name to the decision taken for it.
type Result map[string]Decision

// Count returns how many containers got decision d.
func (r Result) Count(d Decision) int {
	n := 0
	for _, got := range r {
		if got == d {
			n++
		}
	}
	return n
}

// NeedsRestart applies the audit decision table. A running container that
// is still starting is left alone.
func NeedsRestart(st runtime.ContainerState) bool {
	if !st.Running() {
		return true
	}
	return st.Health == runtime.HealthUnhealthy
}

// Auditor runs one audit pass.
type Auditor struct {
	Runtime    runtime.Runtime
	Containers []string
	Metrics    *metrics.Metrics // optional
	Clock      clock.Clock
	// TextfileDir receives audit metrics after the pass when set.
	TextfileDir string
	// RuntimeErr is why the runtime could not be opened. When set, every
	// container is restart-failed without a runtime call.
	RuntimeErr error
}

// Run audits every configured container. Per-container failures are
// recorded as restart-failed and never stop the pass.
func (a *Auditor) Run(ctx context.Context) Result {
	check.Assert(a.Runtime != nil || a.RuntimeErr != nil, "Auditor.Run: Runtime must not be nil")

	res := make(Result, len(a.Containers))
	for _, name := range a.Containers {
		d := a.audit(ctx, name)
		res[name] = d
		a.Metrics.ObserveAuditDecision(name, d.String())
	}

	slog.Info("Audit finished.",
		"containers", len(a.Containers),
		"ok", res.Count(DecisionOK),
		"restarted", res.Count(DecisionRestarted),
		"restart_failed", res.Count(DecisionRestartFailed))

	now := time.Now()
	if a.Clock != nil {
		now = a.Clock.Now()
	}
	a.Metrics.ObserveAuditRun(now)
	if err := a.Metrics.WriteTextfile(a.TextfileDir, "redeploy_audit"); err != nil {
		slog.Warn("Could not write audit metrics.", "err", err)
	}
	return res
}

func (a *Auditor) audit(ctx context.Context, name string) Decision {
	if a.RuntimeErr != nil {
		slog.Error("Container audit failed.", "container", name, "decision", DecisionRestartFailed, "err", a.RuntimeErr)
		return DecisionRestartFailed
	}
	st, err := a.Runtime.Inspect(ctx, name)
	if err != nil {
		slog.Error("Container audit failed.", "container", name, "decision", DecisionRestartFailed, "err", err)
		return DecisionRestartFailed
	}
	if !NeedsRestart(st) {
		slog.Info("Container healthy.", "container", name, "state", st.State, "health", st.Health, "decision", DecisionOK)
		return DecisionOK
	}

	if err := a.Runtime.Restart(ctx, name); err != nil {
		slog.Error("Container restart failed.", "container", name, "state", st.State, "health", st.Health,
			"decision", DecisionRestartFailed, "err", err)
		return DecisionRestartFailed
	}
	slog.Warn("Container restarted.", "container", name, "state", st.State, "health", st.Health, "decision", DecisionRestarted)
	return DecisionRestarted
}
