package config

import (
	"sort"
	"strings"

	logx "litmusrt/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) structured attrs for logging. It also reports whether anything outside
// the logging section changed; those sections only take effect on restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)
	needsRestart := false

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.async", newCfg.Logging.Async),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.journal_enabled", newCfg.Logging.Journal.Enabled),
		)
	}

	// Kernel
	if oldCfg.Kernel != newCfg.Kernel {
		changed = append(changed, "kernel")
		needsRestart = true
		attrs = append(attrs,
			logx.Int("kernel.syscall_base", newCfg.Kernel.SyscallBase),
			logx.String("kernel.control_device", strings.TrimSpace(newCfg.Kernel.ControlDevice)),
		)
	}

	// Task
	if oldCfg.Task != newCfg.Task {
		changed = append(changed, "task")
		needsRestart = true
		attrs = append(attrs,
			logx.String("task.exec_cost", strings.TrimSpace(newCfg.Task.ExecCost)),
			logx.String("task.period", strings.TrimSpace(newCfg.Task.Period)),
			logx.Int("task.threads", newCfg.Task.ThreadCount()),
			logx.Int("task.jobs", newCfg.Task.Jobs),
		)
	}

	// Lock (nil means no lock per job)
	oldL, newL := derefLock(oldCfg.Lock), derefLock(newCfg.Lock)
	if (oldCfg.Lock != nil) != (newCfg.Lock != nil) || oldL != newL {
		changed = append(changed, "lock")
		needsRestart = true
		attrs = append(attrs,
			logx.Bool("lock.enabled", newCfg.Lock != nil),
			logx.String("lock.protocol", strings.TrimSpace(newL.Protocol)),
			logx.Int("lock.k", newL.KOrDefault()),
		)
	}

	// Release
	if oldCfg.Release != newCfg.Release {
		changed = append(changed, "release")
		attrs = append(attrs,
			logx.Int("release.waiters", newCfg.Release.Waiters),
			logx.String("release.delay", strings.TrimSpace(newCfg.Release.Delay)),
			logx.String("release.schedule", strings.TrimSpace(newCfg.Release.Schedule)),
		)
	}

	// Storage (nil means disabled)
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		needsRestart = true
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Pprof (never log the token)
	oldP, newP := derefPprof(oldCfg.Pprof), derefPprof(newCfg.Pprof)
	if oldP != newP {
		changed = append(changed, "pprof")
		needsRestart = true
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newP.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newP.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs, needsRestart
}

func derefLock(l *LockConfig) LockConfig {
	if l == nil {
		return LockConfig{}
	}
	return *l
}

func derefPprof(p *PprofConfig) PprofConfig {
	if p == nil {
		return PprofConfig{}
	}
	return *p
}
