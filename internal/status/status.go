// Package status gathers a read-only diagnostic view of a redeploy host:
// supervision units, the latest audit log, the managed container with its
// reported version, and recent update history. Collection never fails;
// each section carries its own error instead.
package status

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"redeploy/internal/history"
	"redeploy/internal/logging"
	"redeploy/internal/runtime"

	"github.com/beevik/ntp"
)

const (
	ntpTimeout      = 5 * time.Second
	auditComponent  = "audit"
	defaultTailSize = 10
)

// Units reads systemd unit state.
// Production: adapter/systemd.Manager
// Testing: fake.UnitManager
type Units interface {
	ActiveState(ctx context.Context, unit string) (string, error)
	UnitFileState(ctx context.Context, unit string) (string, error)
}

type UnitStatus struct {
	Name    string
	Active  string
	Enabled string
	Err     string
}

// Healthy reports whether the unit is running.
func (u UnitStatus) Healthy() bool { return u.Active == "active" }

type ContainerStatus struct {
	Name    string
	Exists  bool
	State   runtime.RunState
	Health  runtime.Health
	Image   string
	Version string
	Err     string
}

type AuditLog struct {
	Path  string
	Lines []string
	Err   string
}

type ClockStatus struct {
	Server string
	Offset time.Duration
	Err    string
}

type Report struct {
	CollectedAt time.Time
	// Watcher is the first supervision tier, the timers are the second tier
	// and the container audit.
	Watcher     UnitStatus
	HealthCheck UnitStatus
	Audit       UnitStatus
	Container   ContainerStatus
	AuditLog    AuditLog
	History     []history.Entry
	HistoryErr  string
	// Clock is nil when no NTP server is configured.
	Clock *ClockStatus
}

type Reporter struct {
	Units   Units
	Runtime runtime.Runtime
	History history.Store // optional

	WatcherUnit     string
	HealthCheckUnit string
	AuditUnit       string
	Container       string
	VersionFile     string
	LogsDir         string
	AuditLines      int
	HistoryEntries  int
	NTPServer       string

	// QueryNTP overrides the NTP query; tests replace it.
	QueryNTP func(server string) (time.Duration, error)
	Now      func() time.Time
}

func (r *Reporter) Collect(ctx context.Context) Report {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	rep := Report{
		CollectedAt: now(),
		Watcher:     r.unit(ctx, r.WatcherUnit),
		HealthCheck: r.unit(ctx, r.HealthCheckUnit),
		Audit:       r.unit(ctx, r.AuditUnit),
		Container:   r.container(ctx),
		AuditLog:    r.auditLog(),
	}

	if r.History != nil && r.HistoryEntries > 0 {
		entries, err := r.History.Recent(ctx, r.HistoryEntries)
		if err != nil {
			rep.HistoryErr = err.Error()
		}
		rep.History = entries
	}
	if r.NTPServer != "" {
		rep.Clock = r.clock()
	}
	return rep
}

func (r *Reporter) unit(ctx context.Context, name string) UnitStatus {
	st := UnitStatus{Name: name, Active: "unknown", Enabled: "unknown"}
	if r.Units == nil || name == "" {
		st.Err = "systemd unavailable"
		return st
	}
	active, err := r.Units.ActiveState(ctx, name)
	if err != nil {
		st.Err = err.Error()
		return st
	}
	st.Active = active
	enabled, err := r.Units.UnitFileState(ctx, name)
	if err != nil {
		st.Err = err.Error()
		return st
	}
	if enabled != "" {
		st.Enabled = enabled
	}
	return st
}

func (r *Reporter) container(ctx context.Context) ContainerStatus {
	st := ContainerStatus{Name: r.Container}
	if r.Runtime == nil {
		st.Err = "container runtime unavailable"
		return st
	}
	cs, err := r.Runtime.Inspect(ctx, r.Container)
	if err != nil {
		st.Err = err.Error()
		return st
	}
	st.Exists = cs.Exists
	st.State = cs.State
	st.Health = cs.Health
	st.Image = cs.Image
	if !cs.Running() || r.VersionFile == "" {
		return st
	}

	out, err := r.Runtime.Exec(ctx, r.Container, "cat", r.VersionFile)
	if err != nil {
		st.Err = "read version: " + err.Error()
		return st
	}
	st.Version = strings.TrimSpace(out)
	return st
}

func (r *Reporter) auditLog() AuditLog {
	var al AuditLog
	path, err := logging.Latest(r.LogsDir, auditComponent)
	if err != nil {
		if logging.IsNotExist(err) {
			al.Err = "no audit runs logged yet"
		} else {
			al.Err = err.Error()
		}
		return al
	}
	al.Path = path

	n := r.AuditLines
	if n <= 0 {
		n = defaultTailSize
	}
	lines, err := tail(path, n)
	if err != nil {
		al.Err = err.Error()
	}
	al.Lines = lines
	return al
}

func (r *Reporter) clock() *ClockStatus {
	query := r.QueryNTP
	if query == nil {
		query = queryNTP
	}
	cs := &ClockStatus{Server: r.NTPServer}
	offset, err := query(r.NTPServer)
	if err != nil {
		cs.Err = err.Error()
		return cs
	}
	cs.Offset = offset
	return cs
}

func queryNTP(server string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: ntpTimeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// tail returns the last n lines of the file at path.
func tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}
