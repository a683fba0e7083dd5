package supervise

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"
)

type fakeProcess struct {
	pid  int
	err  error
	done <-chan struct{}
}

func (p fakeProcess) PID() int { return p.pid }

func (p fakeProcess) Wait() error {
	if p.done != nil {
		<-p.done
	}
	return p.err
}

// fakeLauncher hands out processes that exit immediately, except the one at
// blockAt which waits for release.
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	failAt   map[int]error
	blockAt  int
	release  chan struct{}
}

func (l *fakeLauncher) Launch(context.Context) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if err := l.failAt[l.launches]; err != nil {
		return nil, err
	}
	p := fakeProcess{pid: 100 + l.launches, err: errors.New("exit status 1")}
	if l.launches%2 == 0 {
		p.err = nil
	}
	if l.launches == l.blockAt {
		p.done = l.release
	}
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func TestKeeperRestartsAfterEveryExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	launcher := &fakeLauncher{}
	var delays []time.Duration
	var phases []Phase
	k := &Keeper{Launcher: launcher, Delay: 10 * time.Second}
	k.Wait = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		phases = append(phases, k.Record().Phase)
		if len(delays) == 5 {
			cancel()
		}
		return ctx.Err()
	}

	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := launcher.count(); got != 5 {
		t.Fatalf("launches = %d, want 5", got)
	}
	for i, d := range delays {
		if d != 10*time.Second {
			t.Errorf("delay %d = %v, want 10s", i, d)
		}
		if phases[i] != PhaseRestarting {
			t.Errorf("phase during delay %d = %s, want restarting", i, phases[i])
		}
	}
	if rec := k.Record(); rec.Restarts != 4 || rec.PID != 105 {
		t.Errorf("record = %+v", rec)
	}
}

func TestKeeperRetriesFailedLaunches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	launcher := &fakeLauncher{failAt: map[int]error{
		1: errors.New("exec: not found"),
		2: errors.New("exec: not found"),
	}}
	k := &Keeper{Launcher: launcher, Delay: time.Second}
	k.Wait = func(ctx context.Context, _ time.Duration) error {
		if launcher.count() == 3 {
			cancel()
		}
		return ctx.Err()
	}

	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec := k.Record(); rec.PID != 103 || rec.Phase != PhaseRestarting {
		t.Errorf("record = %+v", rec)
	}
}

func TestKeeperStopsWhileProcessRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	launcher := &fakeLauncher{blockAt: 1, release: make(chan struct{})}
	k := &Keeper{Launcher: launcher, Wait: func(context.Context, time.Duration) error {
		t.Error("unexpected restart delay")
		return nil
	}}

	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for k.Record().Phase != PhaseRunning {
		if time.Now().After(deadline) {
			t.Fatal("process never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(launcher.release)

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := launcher.count(); got != 1 {
		t.Errorf("launches = %d, want 1", got)
	}
}

func TestPhaseTransition(t *testing.T) {
	if got := PhaseRunning.Transition(PhaseRestarting); got != PhaseRestarting {
		t.Errorf("running -> restarting = %s", got)
	}
	if got := PhaseRestarting.Transition(PhaseRunning); got != PhaseRunning {
		t.Errorf("restarting -> running = %s", got)
	}
}

func TestCommandLauncherRunsCommand(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	proc, err := CommandLauncher{Path: sh, Args: []string{"-c", "exit 3"}}.Launch(context.Background())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if proc.PID() == 0 {
		t.Error("PID = 0")
	}
	var exitErr *exec.ExitError
	if err := proc.Wait(); !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Errorf("Wait = %v, want exit status 3", err)
	}
}

func TestCommandLauncherRequiresPath(t *testing.T) {
	if _, err := (CommandLauncher{}).Launch(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
