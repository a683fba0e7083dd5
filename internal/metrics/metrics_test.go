package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveUpdate(t *testing.T) {
	m := New(false)
	finished := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)

	m.ObserveUpdate("succeeded", 12*time.Second, finished)
	m.ObserveUpdate("pull-failed", time.Second, finished.Add(time.Hour))
	m.ObserveUpdate("succeeded", 11*time.Second, finished)

	if got := testutil.ToFloat64(m.updates.WithLabelValues("succeeded")); got != 2 {
		t.Errorf("succeeded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.updates.WithLabelValues("pull-failed")); got != 1 {
		t.Errorf("pull-failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lastSuccess); got != float64(finished.Unix()) {
		t.Errorf("last success = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObservePoll(time.Now())
	m.ObserveTrigger()
	m.ObserveUpdate("succeeded", time.Second, time.Now())
	m.ObserveAuditDecision("app-web", "ok")
	m.ObserveHealthCheck("recovered")
	if err := m.WriteTextfile(t.TempDir(), "audit"); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
}

func TestRouterServesMetricsAndHealth(t *testing.T) {
	m := New(false)
	m.ObserveTrigger()

	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(NewRouter(m, func() error {
		if !healthy.Load() {
			return errors.New("watcher poll is stale")
		}
		return nil
	}))
	defer srv.Close()

	body := get(t, srv.URL+"/metrics", http.StatusOK)
	if !strings.Contains(body, "redeploy_triggers_total 1") {
		t.Errorf("metrics body missing trigger counter:\n%s", body)
	}

	get(t, srv.URL+"/healthz", http.StatusOK)
	healthy.Store(false)
	if body := get(t, srv.URL+"/healthz", http.StatusServiceUnavailable); !strings.Contains(body, "stale") {
		t.Errorf("healthz body = %q", body)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New(false)
	m.ObserveAuditDecision("app-web", "restarted")

	dir := filepath.Join(t.TempDir(), "textfile")
	if err := m.WriteTextfile(dir, "redeploy_audit"); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "redeploy_audit.prom"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `redeploy_audit_decisions_total{container="app-web",decision="restarted"} 1`) {
		t.Errorf("textfile = %s", data)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveListener(ctx, ln, NewRouter(New(false), nil)) }()

	get(t, "http://"+ln.Addr().String()+"/healthz", http.StatusOK)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func get(t *testing.T, url string, wantStatus int) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	return string(body)
}
