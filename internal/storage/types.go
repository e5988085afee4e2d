package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines backend (<prefix>.runs.jsonl, <prefix>.jobs.jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunEntry describes one `rtctl run` invocation.
type RunEntry struct {
	ID               string        `json:"id"`
	StartedAt        time.Time     `json:"started_at"`
	Threads          int           `json:"threads"`
	ExecCost         time.Duration `json:"exec_cost"`
	Period           time.Duration `json:"period"`
	RelativeDeadline time.Duration `json:"relative_deadline,omitempty"`
	Class            string        `json:"class"`
	LockProtocol     string        `json:"lock_protocol,omitempty"`
	LockK            int           `json:"lock_k,omitempty"`
}

// JobEntry records one completed job. Release and Deadline are on the
// kernel clock, in nanoseconds.
type JobEntry struct {
	RunID    string        `json:"run_id"`
	TID      int           `json:"tid"`
	Job      uint32        `json:"job"`
	At       time.Time     `json:"at"`
	Release  uint64        `json:"release"`
	Deadline uint64        `json:"deadline"`
	Slot     int           `json:"slot"` // -1: no lock held
	Hold     time.Duration `json:"hold,omitempty"`
	Error    string        `json:"error,omitempty"`
}
