package supervise

import (
	"context"
	"log/slog"
	"time"

	"redeploy/internal/check"
	"redeploy/internal/metrics"
)

const (
	defaultRecheckDelay = 5 * time.Second
	activeState         = "active"
)

// UnitManager queries and starts systemd units.
// Production: adapter/systemd.Manager
// Testing: fake.UnitManager
type UnitManager interface {
	ActiveState(ctx context.Context, unit string) (string, error)
	StartUnit(ctx context.Context, unit string) error
}

type Outcome uint8

const (
	OutcomeActive Outcome = iota + 1
	OutcomeRecovered
	OutcomeRecoveryFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeActive:
		return "active"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeRecoveryFailed:
		return "recovery-failed"
	default:
		return "unknown"
	}
}

// HealthCheck is one run of the scheduled watcher check. An active unit
// produces no log output; any other state produces exactly one line.
type HealthCheck struct {
	Units   UnitManager
	Unit    string
	Metrics *metrics.Metrics // optional
	// RecheckDelay is the wait between starting the unit and re-querying it.
	// Zero means 5s.
	RecheckDelay time.Duration
	Wait         func(ctx context.Context, d time.Duration) error
}

func (h *HealthCheck) Run(ctx context.Context) Outcome {
	check.Assert(h.Units != nil, "HealthCheck.Run: Units must not be nil")
	check.Assert(h.Unit != "", "HealthCheck.Run: Unit must not be empty")

	outcome := h.run(ctx)
	h.Metrics.ObserveHealthCheck(outcome.String())
	return outcome
}

func (h *HealthCheck) run(ctx context.Context) Outcome {
	state, err := h.Units.ActiveState(ctx, h.Unit)
	if err == nil && state == activeState {
		return OutcomeActive
	}
	before := state
	if err != nil {
		before = "query-failed: " + err.Error()
	}

	startErr := h.Units.StartUnit(ctx, h.Unit)

	delay := h.RecheckDelay
	if delay <= 0 {
		delay = defaultRecheckDelay
	}
	wait := h.Wait
	if wait == nil {
		wait = sleep
	}
	if err := wait(ctx, delay); err != nil {
		slog.Error("Watcher service recovery failed.", "unit", h.Unit, "was", before, "err", err)
		return OutcomeRecoveryFailed
	}

	after, err := h.Units.ActiveState(ctx, h.Unit)
	if err == nil && after == activeState {
		slog.Warn("Watcher service recovered.", "unit", h.Unit, "was", before)
		return OutcomeRecovered
	}
	attrs := []any{"unit", h.Unit, "was", before, "state", after}
	if startErr != nil {
		attrs = append(attrs, "start_err", startErr)
	}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	slog.Error("Watcher service recovery failed.", attrs...)
	return OutcomeRecoveryFailed
}
