package fake

import (
	"context"
	"path/filepath"
	"sync"

	"redeploy/internal/adapter/fake/fault"
)

// UnitManager is an in-memory systemd manager. Unknown units report
// "inactive" and an empty unit file state.
type UnitManager struct {
	CallRecorder
	Faults *fault.Injector

	mu         sync.Mutex
	active     map[string]string
	unitFile   map[string]string
	afterStart map[string]string
	reloads    int
	hangReload bool
}

func NewUnitManager() *UnitManager {
	return &UnitManager{
		Faults:     fault.NewInjector(),
		active:     make(map[string]string),
		unitFile:   make(map[string]string),
		afterStart: make(map[string]string),
	}
}

func (m *UnitManager) SetActiveState(unit, state string) {
	m.mu.Lock()
	m.active[unit] = state
	m.mu.Unlock()
}

// StartLeaves sets the ActiveState a unit reports after StartUnit. The
// default is "active".
func (m *UnitManager) StartLeaves(unit, state string) {
	m.mu.Lock()
	m.afterStart[unit] = state
	m.mu.Unlock()
}

// HangReload makes Reload block until its context ends, like a wedged D-Bus
// call.
func (m *UnitManager) HangReload() {
	m.mu.Lock()
	m.hangReload = true
	m.mu.Unlock()
}

func (m *UnitManager) Reloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloads
}

func (m *UnitManager) ActiveState(_ context.Context, unit string) (string, error) {
	m.record("ActiveState", unit)
	if err := m.Faults.Eval("ActiveState", unit); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[unit]; ok {
		return s, nil
	}
	return "inactive", nil
}

func (m *UnitManager) UnitFileState(_ context.Context, unit string) (string, error) {
	m.record("UnitFileState", unit)
	if err := m.Faults.Eval("UnitFileState", unit); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unitFile[unit], nil
}

func (m *UnitManager) StartUnit(_ context.Context, unit string) error {
	m.record("StartUnit", unit)
	if err := m.Faults.Eval("StartUnit", unit); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.afterStart[unit]
	if !ok {
		state = "active"
	}
	m.active[unit] = state
	return nil
}

func (m *UnitManager) StopUnit(_ context.Context, unit string) error {
	m.record("StopUnit", unit)
	if err := m.Faults.Eval("StopUnit", unit); err != nil {
		return err
	}
	m.mu.Lock()
	m.active[unit] = "inactive"
	m.mu.Unlock()
	return nil
}

func (m *UnitManager) Reload(ctx context.Context) error {
	m.record("Reload")
	if err := m.Faults.Eval("Reload"); err != nil {
		return err
	}
	m.mu.Lock()
	hang := m.hangReload
	m.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	m.reloads++
	m.mu.Unlock()
	return nil
}

func (m *UnitManager) Enable(_ context.Context, paths ...string) error {
	m.record("Enable", toAny(paths)...)
	if err := m.Faults.Eval("Enable", toAny(paths)...); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		m.unitFile[filepath.Base(p)] = "enabled"
	}
	return nil
}

func (m *UnitManager) Disable(_ context.Context, paths ...string) error {
	m.record("Disable", toAny(paths)...)
	if err := m.Faults.Eval("Disable", toAny(paths)...); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		m.unitFile[filepath.Base(p)] = "disabled"
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
