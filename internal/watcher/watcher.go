// Package watcher polls the trigger mailbox and hands each trigger to the
// update executor, one at a time.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"redeploy/internal/check"
	"redeploy/internal/clock"
	"redeploy/internal/history"
	"redeploy/internal/metrics"
	"redeploy/internal/trigger"
	"redeploy/internal/update"
)

const (
	defaultInterval    = 5 * time.Second
	defaultHistoryKeep = 500
)

// Mailbox is the consuming side of the trigger channel.
// Production: trigger.Mailbox
type Mailbox interface {
	Take() (trigger.Trigger, bool, error)
	// Restore puts a taken trigger back unless a newer one has arrived.
	Restore(image string) (bool, error)
}

// Executor runs one update cycle.
// Production: update.Executor
type Executor interface {
	Execute(ctx context.Context, target string) (update.Result, error)
}

// Notifier reports readiness and liveness to the service manager.
// Production: adapter/systemd.Notifier
type Notifier interface {
	Ready()
	Watchdog()
}

type Watcher struct {
	Mailbox  Mailbox
	Executor Executor
	History  history.Store    // optional
	Metrics  *metrics.Metrics // optional
	Notifier Notifier         // optional
	Clock    clock.Clock
	// Interval between polls. Zero means 5s.
	Interval time.Duration
	// HistoryKeep bounds the history table. Zero means 500 entries.
	HistoryKeep int
	// Wait sleeps between polls; tests replace it.
	Wait func(ctx context.Context, d time.Duration) error

	lastPoll atomic.Int64
}

func (w *Watcher) clock() clock.Clock {
	if w.Clock != nil {
		return w.Clock
	}
	return clock.Real{}
}

func (w *Watcher) interval() time.Duration {
	if w.Interval > 0 {
		return w.Interval
	}
	return defaultInterval
}

// Run polls until ctx is cancelled. Update failures and trigger read errors
// are logged and never end the loop.
func (w *Watcher) Run(ctx context.Context) error {
	check.Assert(w.Mailbox != nil, "Watcher.Run: Mailbox must not be nil")
	check.Assert(w.Executor != nil, "Watcher.Run: Executor must not be nil")

	wait := w.Wait
	if wait == nil {
		wait = sleep
	}

	slog.Info("Watching for update triggers.", "interval", w.interval())
	if w.Notifier != nil {
		w.Notifier.Ready()
	}
	for {
		w.Poll(ctx)
		if w.Notifier != nil {
			w.Notifier.Watchdog()
		}
		if err := wait(ctx, w.interval()); err != nil {
			slog.Info("Watcher stopped.")
			return nil
		}
	}
}

// Poll checks the mailbox once and runs the executor if a trigger was
// waiting. It reports whether a trigger was consumed.
func (w *Watcher) Poll(ctx context.Context) bool {
	now := w.clock().Now()
	w.lastPoll.Store(now.UnixNano())
	w.Metrics.ObservePoll(now)

	tr, ok, err := w.Mailbox.Take()
	if err != nil {
		slog.Error("Could not read update trigger.", "err", err)
		return false
	}
	if !ok {
		return false
	}
	w.Metrics.ObserveTrigger()

	if tr.Image == "" {
		slog.Info("Update triggered; resolving latest image.")
	} else {
		slog.Info("Update triggered.", "image", tr.Image)
	}

	res, err := w.Executor.Execute(ctx, tr.Image)
	elapsed := res.Elapsed.Round(time.Millisecond)
	switch {
	case res.Succeeded():
		slog.Info("Update succeeded.", "reason", res.Reason, "image", res.Image, "elapsed", elapsed)
	case res.Reason == update.ReasonInProgress:
		w.requeue(tr)
	default:
		slog.Error("Update failed.", "reason", res.Reason, "image", res.Image, "elapsed", elapsed, "err", err)
	}

	w.Metrics.ObserveUpdate(res.Reason.String(), res.Elapsed, w.clock().Now())
	w.record(ctx, res)
	return true
}

// requeue hands a trigger that lost the update lock back to the mailbox, so
// it runs once the other update finishes.
func (w *Watcher) requeue(tr trigger.Trigger) {
	restored, err := w.Mailbox.Restore(tr.Image)
	switch {
	case err != nil:
		slog.Error("Update skipped; another update is in progress and the trigger could not be restored.",
			"image", tr.Image, "err", err)
	case restored:
		slog.Warn("Update deferred; another update is in progress.", "image", tr.Image)
	default:
		slog.Warn("Update skipped; superseded by a newer trigger.", "image", tr.Image)
	}
}

func (w *Watcher) record(ctx context.Context, res update.Result) {
	if w.History == nil {
		return
	}
	if err := w.History.Record(ctx, EntryFor(res)); err != nil {
		slog.Warn("Could not record update history.", "err", err)
		return
	}
	keep := w.HistoryKeep
	if keep <= 0 {
		keep = defaultHistoryKeep
	}
	if _, err := w.History.Prune(ctx, keep); err != nil {
		slog.Warn("Could not prune update history.", "err", err)
	}
}

// Healthy fails when the last poll is older than maxAge, which means the
// loop is wedged inside an update or stopped.
func (w *Watcher) Healthy(maxAge time.Duration) error {
	last := w.lastPoll.Load()
	if last == 0 {
		return fmt.Errorf("watcher has not polled yet")
	}
	age := w.clock().Now().Sub(time.Unix(0, last))
	if age > maxAge {
		return fmt.Errorf("last poll %s ago", age.Round(time.Second))
	}
	return nil
}

// EntryFor converts an executor result into a history entry.
func EntryFor(res update.Result) history.Entry {
	e := history.Entry{
		StartedAt: res.StartedAt.UTC(),
		Target:    res.Target,
		Image:     res.Image,
		Reason:    res.Reason.String(),
		Elapsed:   res.Elapsed,
	}
	for _, r := range res.Warnings {
		e.Warnings = append(e.Warnings, r.String())
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
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
