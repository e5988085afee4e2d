package app

import (
	"litmusrt/internal/config"
	"litmusrt/internal/runner"
	"litmusrt/pkg/litmus"
)

// NewKernel returns the syscall-backed kernel for the kernel section.
func NewKernel(cfg *config.Config) litmus.Kernel {
	return litmus.NewSyscallKernel(cfg.Kernel.Syscall())
}

// mapRunnerConfig converts the task and lock sections for one run.
func mapRunnerConfig(cfg *config.Config, runID string) (runner.Config, error) {
	params, err := cfg.Task.Params()
	if err != nil {
		return runner.Config{}, err
	}
	hold, err := config.ParseDurationField("task.hold_time", cfg.Task.HoldTime)
	if err != nil {
		return runner.Config{}, err
	}
	rc := runner.Config{
		RunID:          runID,
		Params:         params,
		Threads:        cfg.Task.ThreadCount(),
		Jobs:           cfg.Task.Jobs,
		WaitForRelease: cfg.Task.WaitForRelease,
		HoldTime:       hold,
	}
	if cfg.Lock != nil {
		proto, err := cfg.Lock.ProtocolID()
		if err != nil {
			return runner.Config{}, err
		}
		rc.Lock = &runner.LockSpec{
			Protocol:  proto,
			Namespace: cfg.Lock.NamespaceOrDefault(),
			ID:        cfg.Lock.ID,
			K:         cfg.Lock.KOrDefault(),
		}
	}
	return rc, nil
}
