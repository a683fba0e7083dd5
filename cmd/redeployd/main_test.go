package main

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"redeploy/internal/metrics"
	"redeploy/internal/trigger"
	"redeploy/internal/update"
	"redeploy/internal/watcher"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *lockedBuffer {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	buf := &lockedBuffer{}
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, nil)))
	return buf
}

type stubExecutor struct {
	mu      sync.Mutex
	targets []string
}

func (e *stubExecutor) Execute(_ context.Context, target string) (update.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets = append(e.targets, target)
	return update.Result{Target: target, Image: target, Reason: update.ReasonSucceeded}, nil
}

func TestWatchSurvivesMetricsListenFailure(t *testing.T) {
	logs := captureLogs(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	mb, err := trigger.New(filepath.Join(t.TempDir(), ".update_trigger"))
	if err != nil {
		t.Fatal(err)
	}
	exec := &stubExecutor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	polls := 0
	w := &watcher.Watcher{
		Mailbox:  mb,
		Executor: exec,
		Metrics:  metrics.New(false),
		Wait: func(ctx context.Context, _ time.Duration) error {
			polls++
			switch {
			case polls == 1:
				// Keep polling until the metrics server has given up.
				deadline := time.Now().Add(5 * time.Second)
				for !strings.Contains(logs.String(), "Metrics server stopped") {
					if time.Now().After(deadline) {
						t.Error("metrics server did not report the listen failure")
						break
					}
					time.Sleep(10 * time.Millisecond)
				}
				if err := mb.Post("registry.example/app:2.5.0"); err != nil {
					t.Error(err)
				}
			case polls >= 3:
				cancel()
				return ctx.Err()
			}
			return nil
		},
	}

	if err := watch(ctx, w, taken.Addr().String(), time.Minute); err != nil {
		t.Fatalf("watch = %v, want nil", err)
	}
	if polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
	if len(exec.targets) != 1 || exec.targets[0] != "registry.example/app:2.5.0" {
		t.Errorf("executed = %v", exec.targets)
	}
}

func TestOpenHistoryFailureIsNotFatal(t *testing.T) {
	captureLogs(t)
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if store := openHistory(filepath.Join(file, "redeploy.db")); store != nil {
		store.Close()
		t.Fatal("openHistory returned a store under a regular file")
	}

	store := openHistory(filepath.Join(t.TempDir(), "redeploy.db"))
	if store == nil {
		t.Fatal("openHistory failed for a writable path")
	}
	store.Close()
}
