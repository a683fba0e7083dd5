// Package systemd talks to the systemd manager over D-Bus and to the
// service's own notify socket.
package systemd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager is a D-Bus connection to the system manager.
type Manager struct {
	conn *dbus.Conn
}

func Connect(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.conn.Close()
	return nil
}

// ActiveState returns the unit's ActiveState ("active", "inactive",
// "failed", "activating", ...).
func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	return m.stringProperty(ctx, unit, "ActiveState")
}

// UnitFileState returns "enabled", "disabled", "static" and so on. Units
// with no unit file report "".
func (m *Manager) UnitFileState(ctx context.Context, unit string) (string, error) {
	return m.stringProperty(ctx, unit, "UnitFileState")
}

func (m *Manager) stringProperty(ctx context.Context, unit, name string) (string, error) {
	prop, err := m.conn.GetUnitPropertyContext(ctx, unit, name)
	if err != nil {
		return "", fmt.Errorf("query %s %s: %w", unit, name, err)
	}
	v, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("query %s %s: unexpected type %T", unit, name, prop.Value.Value())
	}
	return v, nil
}

// StartUnit enqueues a start job and waits for its result.
func (m *Manager) StartUnit(ctx context.Context, unit string) error {
	return m.job(ctx, "start", unit, m.conn.StartUnitContext)
}

func (m *Manager) StopUnit(ctx context.Context, unit string) error {
	return m.job(ctx, "stop", unit, m.conn.StopUnitContext)
}

func (m *Manager) RestartUnit(ctx context.Context, unit string) error {
	return m.job(ctx, "restart", unit, m.conn.RestartUnitContext)
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (m *Manager) job(ctx context.Context, verb, unit string, fn jobFunc) error {
	done := make(chan string, 1)
	if _, err := fn(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("%s %s: %w", verb, unit, err)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", verb, unit, ctx.Err())
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("%s %s: job %s", verb, unit, result)
		}
		return nil
	}
}

// Reload makes systemd re-read unit files (daemon-reload).
func (m *Manager) Reload(ctx context.Context) error {
	if err := m.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

// Enable enables unit files given by absolute path.
func (m *Manager) Enable(ctx context.Context, paths ...string) error {
	if _, _, err := m.conn.EnableUnitFilesContext(ctx, paths, false, true); err != nil {
		return fmt.Errorf("enable %v: %w", paths, err)
	}
	return nil
}

// Disable disables unit files. Paths are reduced to unit names.
func (m *Manager) Disable(ctx context.Context, paths ...string) error {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	if _, err := m.conn.DisableUnitFilesContext(ctx, names, false); err != nil {
		return fmt.Errorf("disable %v: %w", names, err)
	}
	return nil
}
