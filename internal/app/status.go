package app

import (
	"strings"
	"time"

	"litmusrt/internal/config"
	"litmusrt/internal/observability/pprof"
	"litmusrt/pkg/litmus"
)

// Status is the snapshot served at /status.
type Status struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	Threads   int       `json:"threads"`
	Jobs      int       `json:"jobs_per_thread"`
	Lock      string    `json:"lock,omitempty"`

	ActiveThreads  int64  `json:"active_threads"`
	Recorded       uint64 `json:"jobs_recorded"`
	Errored        uint64 `json:"jobs_failed"`
	RecordErrors   uint64 `json:"record_errors"`
	EventsDropped  uint64 `json:"events_dropped"`
	OpenLocks      int    `json:"open_locks"`
	ReleaseWaiters int    `json:"release_waiters"`
}

// Status reports the run's progress. It is safe to call while running.
func (a *App) Status() Status {
	st := Status{
		RunID:          a.rcfg.RunID,
		StartedAt:      a.startedAt,
		Threads:        a.rcfg.Threads,
		Jobs:           a.rcfg.Jobs,
		EventsDropped:  a.bus.Dropped(),
		OpenLocks:      a.client.OpenLocks(),
		ReleaseWaiters: -1,
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Round(time.Millisecond).String()
	}
	if l := a.rcfg.Lock; l != nil {
		st.Lock = litmus.NameForLockProtocol(l.Protocol)
	}
	if a.tasks != nil {
		st.ActiveThreads = a.tasks.Counters().Active
	}
	if a.rec != nil {
		s := a.rec.Stats()
		st.Recorded, st.Errored, st.RecordErrors = s.Recorded, s.Errored, s.Failed
	}
	if n, err := a.client.NrTSReleaseWaiters(); err == nil {
		st.ReleaseWaiters = n
	}
	return st
}

// mapPprofConfig reports whether the debug listener is enabled.
func mapPprofConfig(cfg *config.Config) (pprof.Config, bool) {
	p := cfg.Pprof
	if p == nil || !p.Enabled {
		return pprof.Config{}, false
	}
	return pprof.Config{
		Addr:                 strings.TrimSpace(p.Addr),
		Prefix:               p.Prefix,
		Token:                strings.TrimSpace(p.Token),
		AllowInsecure:        p.AllowInsecure,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}, true
}
