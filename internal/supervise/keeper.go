// Package supervise implements both supervision tiers for the watcher
// process: Keeper relaunches a command whenever it exits, and HealthCheck is
// the independent scheduled check that starts the watcher unit when it is
// found inactive.
package supervise

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"redeploy/internal/check"
	"redeploy/internal/clock"

	"github.com/cenkalti/backoff/v4"
)

const defaultRestartDelay = 10 * time.Second

type Phase uint8

const (
	PhaseRunning Phase = iota + 1
	PhaseRestarting
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Transition returns the next phase. A failed launch keeps the keeper in
// restarting.
func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case PhaseRunning:
		ok = to == PhaseRestarting
	case PhaseRestarting:
		ok = to == PhaseRunning || to == PhaseRestarting
	}
	check.Assertf(ok, "keeper transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

// Record is the keeper's view of the supervised process.
type Record struct {
	PID      int
	Phase    Phase
	LastSeen time.Time
	Restarts int
}

// Process is a launched child.
type Process interface {
	PID() int
	// Wait blocks until the process exits.
	Wait() error
}

// Launcher starts the supervised command.
// Production: CommandLauncher
// Testing: hand-written fake
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// Keeper restarts its process after every exit, clean or not, after a fixed
// delay. There is no retry cap; only cancelling ctx stops it.
type Keeper struct {
	Launcher Launcher
	// Delay between an exit and the relaunch. Zero means 10s.
	Delay time.Duration
	Clock clock.Clock
	// Wait sleeps for the restart delay; tests replace it.
	Wait func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rec Record
}

// Record returns a snapshot of the supervision state.
func (k *Keeper) Record() Record {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rec
}

func (k *Keeper) Run(ctx context.Context) error {
	check.Assert(k.Launcher != nil, "Keeper.Run: Launcher must not be nil")

	delay := k.Delay
	if delay <= 0 {
		delay = defaultRestartDelay
	}
	wait := k.Wait
	if wait == nil {
		wait = sleep
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(delay), ctx)

	for launches := 0; ; launches++ {
		if launches > 0 {
			k.mu.Lock()
			k.rec.Restarts++
			k.mu.Unlock()
		}

		proc, err := k.Launcher.Launch(ctx)
		if err != nil {
			slog.Error("Could not launch supervised process.", "err", err)
		} else {
			k.enter(PhaseRunning, proc.PID())
			slog.Info("Supervised process started.", "pid", proc.PID(), "restarts", k.Record().Restarts)

			err = proc.Wait()
			if ctx.Err() != nil {
				slog.Info("Supervised process stopped.", "pid", proc.PID())
				return nil
			}
			slog.Warn("Supervised process exited.", "pid", proc.PID(), "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		k.enter(PhaseRestarting, 0)
		next := b.NextBackOff()
		if next == backoff.Stop {
			return nil
		}
		slog.Info("Restarting supervised process.", "delay", next)
		if err := wait(ctx, next); err != nil {
			return nil
		}
	}
}

func (k *Keeper) enter(to Phase, pid int) {
	now := time.Now()
	if k.Clock != nil {
		now = k.Clock.Now()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.rec.Phase == 0 {
		k.rec.Phase = to
	} else {
		k.rec.Phase = k.rec.Phase.Transition(to)
	}
	if to == PhaseRunning {
		k.rec.PID = pid
	}
	k.rec.LastSeen = now
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
