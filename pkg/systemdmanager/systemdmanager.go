// Package systemdmanager controls the systemd unit that runs `rtctl run`
// over D-Bus: status lookups and start/stop/restart jobs that wait for
// systemd's verdict.
package systemdmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// DefaultUnit is the unit name used when none is given.
const DefaultUnit = "rtctl.service"

var ErrClosed = errors.New("systemd connection is closed")

// UnitStatus is the state of one unit.
type UnitStatus struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	MainPID     uint32
	Memory      uint64 // bytes, 0 if unknown
	Restarts    uint32
	ActiveSince time.Time
	InactiveAt  time.Time
	Uptime      time.Duration
}

// Found reports whether systemd knows the unit.
func (s UnitStatus) Found() bool { return s.LoadState != "not-found" }

// unitConn is the subset of *dbus.Conn used here.
type unitConn interface {
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// Manager handles unit operations on one D-Bus connection.
type Manager struct {
	mu   sync.RWMutex
	conn unitConn
	now  func() time.Time
}

// New connects to the system bus. If ctx is nil, context.Background() is used.
func New(ctx context.Context) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return newManager(conn), nil
}

func newManager(conn unitConn) *Manager {
	return &Manager{conn: conn, now: time.Now}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) get() (unitConn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrClosed
	}
	return m.conn, nil
}

// UnitName appends ".service" to names without a unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultUnit
	}
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are in microseconds since the Unix epoch
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func getString(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

// Status returns the state of unit.
func (m *Manager) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	conn, err := m.get()
	if err != nil {
		return nil, err
	}
	unit = UnitName(unit)
	notFound := &UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound, nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}
	if getString(props, "LoadState") == "not-found" {
		return notFound, nil
	}

	st := &UnitStatus{
		Name:        unit,
		Active:      getString(props, "ActiveState"),
		SubState:    getString(props, "SubState"),
		LoadState:   getString(props, "LoadState"),
		Description: getString(props, "Description"),
		ActiveSince: parseTimestamp(props, "ActiveEnterTimestamp"),
		InactiveAt:  parseTimestamp(props, "InactiveEnterTimestamp"),
	}
	if pid, ok := props["MainPID"].(uint32); ok {
		st.MainPID = pid
	}
	if n, ok := props["NRestarts"].(uint32); ok {
		st.Restarts = n
	}
	// MemoryCurrent is MaxUint64 when accounting is off.
	if mem, ok := props["MemoryCurrent"].(uint64); ok && mem != ^uint64(0) {
		st.Memory = mem
	}
	if st.Active == "active" && !st.ActiveSince.IsZero() {
		st.Uptime = m.now().Sub(st.ActiveSince)
	}
	return st, nil
}

// Start, Stop and Restart queue a job for unit and wait for its result.
func (m *Manager) Start(ctx context.Context, unit string) error {
	return m.job(ctx, "start", unit)
}

func (m *Manager) Stop(ctx context.Context, unit string) error {
	return m.job(ctx, "stop", unit)
}

func (m *Manager) Restart(ctx context.Context, unit string) error {
	return m.job(ctx, "restart", unit)
}

func (m *Manager) job(ctx context.Context, action, unit string) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	unit = UnitName(unit)
	done := make(chan string, 1)
	switch action {
	case "start":
		_, err = conn.StartUnitContext(ctx, unit, "replace", done)
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "replace", done)
	case "restart":
		_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
	default:
		return fmt.Errorf("unknown unit action %q", action)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", action, unit, ctx.Err())
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("%s %s: job %s", action, unit, result)
		}
		return nil
	}
}
