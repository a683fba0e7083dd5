package watcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"redeploy/internal/adapter/fake"
	"redeploy/internal/history"
	"redeploy/internal/metrics"
	"redeploy/internal/resolve"
	"redeploy/internal/runtime"
	"redeploy/internal/trigger"
	"redeploy/internal/update"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingExecutor struct {
	mu      sync.Mutex
	targets []string
	result  update.Result
	err     error

	// When set, Pending is sampled while Execute runs.
	mailbox       *trigger.Mailbox
	pendingDuring []bool

	// Runs inside Execute, after the trigger was taken.
	onExecute func()
}

func (e *recordingExecutor) Execute(_ context.Context, target string) (update.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets = append(e.targets, target)
	if e.onExecute != nil {
		e.onExecute()
	}
	if e.mailbox != nil {
		e.pendingDuring = append(e.pendingDuring, e.mailbox.Pending())
	}
	res := e.result
	res.Target = target
	return res, e.err
}

type countingNotifier struct {
	ready, watchdog int
}

func (n *countingNotifier) Ready()    { n.ready++ }
func (n *countingNotifier) Watchdog() { n.watchdog++ }

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	return &buf
}

func newMailbox(t *testing.T) *trigger.Mailbox {
	t.Helper()
	m, err := trigger.New(filepath.Join(t.TempDir(), ".update_trigger"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPollRunsExecutorOncePerTrigger(t *testing.T) {
	payloads := []string{"", "  ", "registry.example/app:2.5.0", "\tapp:1\n"}
	for _, payload := range payloads {
		for _, outcome := range []error{nil, update.ErrPull} {
			mb := newMailbox(t)
			exec := &recordingExecutor{mailbox: mb, err: outcome}
			if outcome != nil {
				exec.result.Reason = update.ReasonPullFailed
			} else {
				exec.result.Reason = update.ReasonSucceeded
			}
			w := &Watcher{Mailbox: mb, Executor: exec}

			if err := os.WriteFile(mb.Path(), []byte(payload), 0o644); err != nil {
				t.Fatal(err)
			}
			if !w.Poll(context.Background()) {
				t.Fatalf("payload %q: trigger not consumed", payload)
			}
			w.Poll(context.Background())
			w.Poll(context.Background())

			if len(exec.targets) != 1 {
				t.Fatalf("payload %q: executor calls = %d, want 1", payload, len(exec.targets))
			}
			if exec.targets[0] != strings.TrimSpace(payload) {
				t.Errorf("payload %q: target = %q", payload, exec.targets[0])
			}
			if exec.pendingDuring[0] {
				t.Errorf("payload %q: trigger still present while executing", payload)
			}
			if mb.Pending() {
				t.Errorf("payload %q: trigger present after cycle", payload)
			}
		}
	}
}

func TestPollCollapsesRepeatedWrites(t *testing.T) {
	mb := newMailbox(t)
	exec := &recordingExecutor{result: update.Result{Reason: update.ReasonSucceeded}}
	w := &Watcher{Mailbox: mb, Executor: exec}

	for _, img := range []string{"app:1", "app:2", "app:3"} {
		if err := mb.Post(img); err != nil {
			t.Fatal(err)
		}
	}
	w.Poll(context.Background())
	w.Poll(context.Background())

	if len(exec.targets) != 1 || exec.targets[0] != "app:3" {
		t.Fatalf("targets = %v, want [app:3]", exec.targets)
	}
}

func TestPollRecordsHistoryAndMetrics(t *testing.T) {
	mb := newMailbox(t)
	exec := &recordingExecutor{
		result: update.Result{
			Image:    "app:2",
			Reason:   update.ReasonSucceeded,
			Warnings: []update.Reason{update.ReasonStopFailedNonfatal},
			Elapsed:  12 * time.Second,
		},
	}
	hist := fake.NewHistoryStore()
	m := metrics.New(false)
	w := &Watcher{Mailbox: mb, Executor: exec, History: hist, Metrics: m, HistoryKeep: 10}

	if err := mb.Post("app:2"); err != nil {
		t.Fatal(err)
	}
	w.Poll(context.Background())

	entries := hist.Entries()
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if !e.Succeeded() || e.Image != "app:2" || e.Elapsed != 12*time.Second {
		t.Errorf("entry = %+v", e)
	}
	if len(e.Warnings) != 1 || e.Warnings[0] != "stop-failed-nonfatal" {
		t.Errorf("warnings = %v", e.Warnings)
	}
	if len(hist.Calls("Prune")) != 1 {
		t.Error("history not pruned")
	}

	body, err := testutil.GatherAndCount(m.Registry(), "redeploy_updates_total")
	if err != nil || body != 1 {
		t.Errorf("updates_total series = %d, err %v", body, err)
	}
}

func TestPollSurvivesHistoryFailure(t *testing.T) {
	logs := captureLogs(t)
	mb := newMailbox(t)
	exec := &recordingExecutor{result: update.Result{Reason: update.ReasonSucceeded}}
	hist := fake.NewHistoryStore()
	hist.Faults.FailAlways("Record", errors.New("database is locked"))
	w := &Watcher{Mailbox: mb, Executor: exec, History: hist}

	if err := mb.Post("app:2"); err != nil {
		t.Fatal(err)
	}
	if !w.Poll(context.Background()) {
		t.Fatal("trigger not consumed")
	}
	if !strings.Contains(logs.String(), "Could not record update history.") {
		t.Errorf("logs = %s", logs)
	}
}

func TestRunStopsOnCancelAndNotifies(t *testing.T) {
	mb := newMailbox(t)
	exec := &recordingExecutor{result: update.Result{Reason: update.ReasonSucceeded}}
	notifier := &countingNotifier{}
	ctx, cancel := context.WithCancel(context.Background())

	polls := 0
	w := &Watcher{
		Mailbox:  mb,
		Executor: exec,
		Notifier: notifier,
		Interval: time.Second,
		Wait: func(ctx context.Context, d time.Duration) error {
			if d != time.Second {
				t.Errorf("wait = %v, want interval", d)
			}
			polls++
			if polls == 2 {
				if err := mb.Post("app:9"); err != nil {
					t.Error(err)
				}
			}
			if polls == 3 {
				cancel()
			}
			return ctx.Err()
		},
	}

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if notifier.ready != 1 || notifier.watchdog != 3 {
		t.Errorf("notifier = %+v", notifier)
	}
	if len(exec.targets) != 1 || exec.targets[0] != "app:9" {
		t.Errorf("targets = %v", exec.targets)
	}
}

func TestHealthy(t *testing.T) {
	clock := fake.NewClock(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))
	w := &Watcher{Mailbox: newMailbox(t), Executor: &recordingExecutor{}, Clock: clock}

	if err := w.Healthy(time.Minute); err == nil {
		t.Error("expected error before first poll")
	}
	w.Poll(context.Background())
	if err := w.Healthy(time.Minute); err != nil {
		t.Errorf("Healthy: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if err := w.Healthy(time.Minute); err == nil {
		t.Error("expected stale poll error")
	}
}

func TestEntryReasonMatchesHistory(t *testing.T) {
	e := EntryFor(update.Result{Reason: update.ReasonSucceeded})
	if e.Reason != history.SucceededReason || !e.Succeeded() {
		t.Fatalf("entry = %+v", e)
	}
}

// End-to-end: trigger file → watcher → executor → fake runtime.

func newEndToEnd(t *testing.T, resolver update.Resolver, extra ...update.Option) (*trigger.Mailbox, *fake.Runtime, *Watcher) {
	t.Helper()
	spec := runtime.RunSpec{Name: "app-web", Image: "registry.example/app:2.4.0", RestartPolicy: "always"}
	rt := fake.NewRuntime()
	rt.AddContainer(spec, true, runtime.HealthHealthy)
	clock := fake.NewClock(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))

	opts := []update.Option{update.WithClock(clock), update.WithSleep(clock.Sleep)}
	if resolver != nil {
		opts = append(opts, update.WithResolver(resolver))
	}
	opts = append(opts, extra...)
	mb := newMailbox(t)
	w := &Watcher{
		Mailbox:  mb,
		Executor: update.NewExecutor(rt, spec, opts...),
		Clock:    clock,
	}
	return mb, rt, w
}

func TestEndToEndUpdateSucceeds(t *testing.T) {
	logs := captureLogs(t)
	mb, rt, w := newEndToEnd(t, nil)

	if err := os.WriteFile(mb.Path(), []byte("registry.example/app:2.5.0"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Poll(context.Background())

	pulls := rt.Calls("Pull")
	if len(pulls) != 1 || pulls[0].Args[0] != "registry.example/app:2.5.0" {
		t.Fatalf("pulls = %+v", pulls)
	}
	c, ok := rt.Container("app-web")
	if !ok || !c.Running || c.Spec.Image != "registry.example/app:2.5.0" {
		t.Fatalf("container = %+v", c)
	}
	out := logs.String()
	if !strings.Contains(out, "Update succeeded.") || !strings.Contains(out, "reason=succeeded") || !strings.Contains(out, "elapsed=10s") {
		t.Errorf("logs = %s", out)
	}
	if mb.Pending() {
		t.Error("trigger file still present")
	}
}

func TestEndToEndResolutionFailureTouchesNothing(t *testing.T) {
	logs := captureLogs(t)
	mb, rt, w := newEndToEnd(t, fake.NewResolver("", resolve.ErrNoImage))

	if err := os.WriteFile(mb.Path(), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	w.Poll(context.Background())

	if calls := rt.Methods(); len(calls) != 0 {
		t.Fatalf("runtime calls = %v, want none", calls)
	}
	c, _ := rt.Container("app-web")
	if !c.Running || c.Spec.Image != "registry.example/app:2.4.0" {
		t.Errorf("container changed: %+v", c)
	}
	if !strings.Contains(logs.String(), "reason=resolution-failed") {
		t.Errorf("logs = %s", logs)
	}
	if mb.Pending() {
		t.Error("trigger file still present")
	}
}

func TestEndToEndLockedUpdateRunsAfterRelease(t *testing.T) {
	logs := captureLogs(t)
	lockPath := filepath.Join(t.TempDir(), "update.lock")
	mb, rt, w := newEndToEnd(t, nil, update.WithLocker(update.NewFileLock(lockPath)))

	// A manual update in another process holds the lock.
	release, ok, err := update.NewFileLock(lockPath).TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	if err := mb.Post("registry.example/app:2.5.0"); err != nil {
		t.Fatal(err)
	}
	w.Poll(context.Background())

	if n := len(rt.Calls("Pull")); n != 0 {
		t.Fatalf("pulls while locked = %d", n)
	}
	if !mb.Pending() {
		t.Fatal("trigger dropped while another update held the lock")
	}
	if !strings.Contains(logs.String(), "Update deferred") {
		t.Errorf("logs = %s", logs)
	}

	release()
	w.Poll(context.Background())

	pulls := rt.Calls("Pull")
	if len(pulls) != 1 || pulls[0].Args[0] != "registry.example/app:2.5.0" {
		t.Fatalf("pulls after release = %+v", pulls)
	}
	if c, _ := rt.Container("app-web"); c.Spec.Image != "registry.example/app:2.5.0" {
		t.Errorf("container image = %q", c.Spec.Image)
	}
	if mb.Pending() {
		t.Error("trigger still pending after the update ran")
	}
}

func TestPollInProgressKeepsNewerTrigger(t *testing.T) {
	captureLogs(t)
	mb := newMailbox(t)
	exec := &recordingExecutor{result: update.Result{Reason: update.ReasonInProgress}, err: update.ErrInProgress}
	exec.onExecute = func() {
		if err := mb.Post("registry.example/app:2.6.0"); err != nil {
			t.Error(err)
		}
	}
	w := &Watcher{Mailbox: mb, Executor: exec}

	if err := mb.Post("registry.example/app:2.5.0"); err != nil {
		t.Fatal(err)
	}
	w.Poll(context.Background())

	tr, ok, err := mb.Take()
	if err != nil || !ok {
		t.Fatalf("Take = %v, %v", ok, err)
	}
	if tr.Image != "registry.example/app:2.6.0" {
		t.Errorf("pending image = %q, want the newer trigger", tr.Image)
	}
}
