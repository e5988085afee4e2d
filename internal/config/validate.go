package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"litmusrt/internal/observability/pprof"
	"litmusrt/internal/release"
	"litmusrt/pkg/litmus"
	logx "litmusrt/pkg/logx"
)

const (
	DefaultLockNamespace = ".kfmlp_lock"
	DefaultPollRate      = 10
)

// Validate checks every section and returns all problems joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}
	if c.Kernel.SyscallBase < 0 {
		errs = append(errs, fmt.Errorf("kernel.syscall_base must be >= 0"))
	}
	params, perr := c.Task.Params()
	if perr != nil {
		errs = append(errs, perr)
	} else if params.ExecCost > params.Period {
		errs = append(errs, fmt.Errorf("task.exec_cost %s exceeds task.period %s", params.ExecCost, params.Period))
	}
	if c.Task.Threads < 0 || c.Task.Jobs < 0 {
		errs = append(errs, fmt.Errorf("task.threads and task.jobs must be >= 0"))
	}
	hold, err := ParseDurationField("task.hold_time", c.Task.HoldTime)
	switch {
	case err != nil:
		errs = append(errs, err)
	case perr == nil && hold > 0 && hold >= params.ExecCost:
		// A job that holds the lock for its whole budget overruns inside the
		// critical section.
		errs = append(errs, fmt.Errorf("task.hold_time %s must be below task.exec_cost %s", hold, params.ExecCost))
	}
	if c.Lock != nil {
		if _, err := c.Lock.ProtocolID(); err != nil {
			errs = append(errs, err)
		}
		if c.Lock.K < 0 {
			errs = append(errs, fmt.Errorf("lock.k must be >= 0"))
		}
	}
	if c.Release.Waiters < 0 || c.Release.PollRate < 0 {
		errs = append(errs, fmt.Errorf("release.waiters and release.poll_rate must be >= 0"))
	}
	if _, err := ParseDurationField("release.delay", c.Release.Delay); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("release.timeout", c.Release.Timeout); err != nil {
		errs = append(errs, err)
	}
	if sched := strings.TrimSpace(c.Release.Schedule); sched != "" {
		if _, err := release.ParseSchedule(sched); err != nil {
			errs = append(errs, fmt.Errorf("release.schedule: %w", err))
		}
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "disabled", "off", "file", "jsonl", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if p := c.Pprof; p != nil && p.Enabled {
		if addr := strings.TrimSpace(p.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("pprof.addr: %w", err))
			} else if !pprof.IsLoopbackAddr(addr) && strings.TrimSpace(p.Token) == "" && !p.AllowInsecure {
				errs = append(errs, fmt.Errorf("pprof.addr %q is not loopback: set pprof.token or pprof.allow_insecure", addr))
			}
		}
		if p.MutexProfileFraction < 0 || p.BlockProfileRate < 0 {
			errs = append(errs, fmt.Errorf("pprof profile rates must be >= 0"))
		}
	}
	return errors.Join(errs...)
}

// Params converts the task section into validated task parameters.
func (t TaskConfig) Params() (litmus.TaskParams, error) {
	execCost, err := ParseDurationField("task.exec_cost", t.ExecCost)
	if err != nil {
		return litmus.TaskParams{}, err
	}
	period, err := ParseDurationField("task.period", t.Period)
	if err != nil {
		return litmus.TaskParams{}, err
	}
	deadline, err := ParseDurationField("task.relative_deadline", t.RelativeDeadline)
	if err != nil {
		return litmus.TaskParams{}, err
	}
	phase, err := ParseDurationField("task.phase", t.Phase)
	if err != nil {
		return litmus.TaskParams{}, err
	}
	class, err := litmus.ParseClass(t.Class)
	if err != nil {
		return litmus.TaskParams{}, fmt.Errorf("task.class: %w", err)
	}
	budget, err := litmus.ParseBudgetPolicy(t.BudgetPolicy)
	if err != nil {
		return litmus.TaskParams{}, fmt.Errorf("task.budget_policy: %w", err)
	}
	release, err := litmus.ParseReleasePolicy(t.ReleasePolicy)
	if err != nil {
		return litmus.TaskParams{}, fmt.Errorf("task.release_policy: %w", err)
	}

	opts := []litmus.ParamOption{
		litmus.WithRelativeDeadline(deadline),
		litmus.WithPhase(phase),
		litmus.WithCPU(t.CPU),
		litmus.WithClass(class),
		litmus.WithBudgetPolicy(budget),
		litmus.WithReleasePolicy(release),
	}
	if t.Priority != 0 {
		opts = append(opts, litmus.WithPriority(t.Priority))
	}
	p := litmus.NewTaskParams(execCost, period, opts...)
	if err := p.Validate(); err != nil {
		return litmus.TaskParams{}, fmt.Errorf("task: %w", err)
	}
	return p, nil
}

// ThreadCount returns the number of task threads, at least one.
func (t TaskConfig) ThreadCount() int {
	if t.Threads <= 0 {
		return 1
	}
	return t.Threads
}

// ProtocolID resolves the lock protocol name, defaulting to KFMLP.
func (l LockConfig) ProtocolID() (int, error) {
	name := strings.TrimSpace(l.Protocol)
	if name == "" {
		return litmus.ProtocolKFMLP, nil
	}
	id := litmus.LockProtocolForName(strings.ToUpper(name))
	if id < 0 {
		return -1, fmt.Errorf("lock.protocol: unknown protocol %q", l.Protocol)
	}
	return id, nil
}

func (l LockConfig) NamespaceOrDefault() string {
	if ns := strings.TrimSpace(l.Namespace); ns != "" {
		return ns
	}
	return DefaultLockNamespace
}

func (l LockConfig) KOrDefault() int {
	if l.K <= 0 {
		return 1
	}
	return l.K
}

// Syscall converts the kernel section for litmus.NewSyscallKernel.
func (k KernelConfig) Syscall() litmus.SyscallConfig {
	return litmus.SyscallConfig{
		Base:          k.SyscallBase,
		ControlDevice: strings.TrimSpace(k.ControlDevice),
		ProcDir:       strings.TrimSpace(k.ProcDir),
	}
}

// Logx converts the logging section for logx.New / Service.Apply.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		Async:   l.Async,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Journal: logx.JournalConfig{
			Enabled:    l.Journal.Enabled,
			Identifier: l.Journal.Identifier,
			MinLevel:   l.Journal.MinLevel,
			RatePerSec: l.Journal.RatePerSec,
		},
	}
}

func (r ReleaseConfig) PollRateOrDefault() int {
	if r.PollRate <= 0 {
		return DefaultPollRate
	}
	return r.PollRate
}

// Options converts the release section for release.Coordinator.
func (r ReleaseConfig) Options() (release.Options, error) {
	delay, err := ParseDurationField("release.delay", r.Delay)
	if err != nil {
		return release.Options{}, err
	}
	timeout, err := ParseDurationField("release.timeout", r.Timeout)
	if err != nil {
		return release.Options{}, err
	}
	opt := release.Options{
		Waiters:  r.Waiters,
		Delay:    delay,
		PollRate: r.PollRateOrDefault(),
		Timeout:  timeout,
	}
	if raw := strings.TrimSpace(r.Schedule); raw != "" {
		sched, err := release.ParseSchedule(raw)
		if err != nil {
			return release.Options{}, fmt.Errorf("release.schedule: %w", err)
		}
		opt.Schedule = &sched
	}
	return opt, nil
}
