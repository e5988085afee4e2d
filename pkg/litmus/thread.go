package litmus

import (
	"runtime"

	logx "litmusrt/pkg/logx"
)

// Thread is the real-time context of one OS thread.
//
// It is created by Client.Attach and owned by the attaching goroutine; it is
// not safe for concurrent use.
type Thread struct {
	c   *Client
	tid int
	log logx.Logger

	page     Mapping
	detached bool
}

// TID is the kernel thread id this context is bound to.
func (t *Thread) TID() int { return t.tid }

// Detach leaves real-time mode (best effort), unmaps the control page and
// unpins the goroutine. Further calls on t fail with ErrDetached.
func (t *Thread) Detach() {
	if t.detached {
		return
	}
	if policy, err := t.c.kernel.Scheduler(t.tid); err == nil && policy == SchedLitmus {
		if err := t.c.kernel.SetScheduler(t.tid, SchedNormal); err != nil {
			t.log.Warn("leaving real-time mode on detach failed", logx.Err(err))
		}
	}
	t.unmapControlPage()
	t.detached = true
	runtime.UnlockOSThread()
	t.log.Debug("thread detached")
}

// SetTaskMode moves the thread into (realtime=true) or out of the LITMUS^RT
// scheduling class. Requesting the current mode is a no-op. Entering
// real-time mode maps the control page; leaving it unmaps the page.
func (t *Thread) SetTaskMode(realtime bool) error {
	const op = "task_mode"
	if t.detached {
		return stateError(ErrSchedulingMode, op, ErrDetached)
	}
	k := t.c.kernel
	policy, err := k.Scheduler(t.tid)
	if err != nil {
		return kernelError(ErrSchedulingMode, "sched_getscheduler", statusOf(err), err)
	}
	current := policy == SchedLitmus

	if realtime {
		mapped := false
		if t.page == nil {
			m, err := k.MapControlPage(t.tid)
			if err != nil {
				return kernelError(ErrSchedulingMode, "init_kernel_iface", statusOf(err), err)
			}
			t.page = m
			mapped = true
		}
		if current {
			return nil
		}
		if err := k.SetScheduler(t.tid, SchedLitmus); err != nil {
			if mapped {
				t.unmapControlPage()
			}
			return kernelError(ErrSchedulingMode, op, statusOf(err), err)
		}
		t.log.Debug("entered real-time mode")
		return nil
	}

	if current {
		if err := k.SetScheduler(t.tid, SchedNormal); err != nil {
			return kernelError(ErrSchedulingMode, op, statusOf(err), err)
		}
		t.log.Debug("entered background mode")
	}
	t.unmapControlPage()
	return nil
}

func (t *Thread) unmapControlPage() {
	if t.page == nil {
		return
	}
	if err := t.page.Close(); err != nil {
		t.log.Warn("control page unmap failed", logx.Err(err))
	}
	t.page = nil
}

// SetParams validates p and submits it for this thread. Validation happens
// before any kernel call.
func (t *Thread) SetParams(p TaskParams) error {
	const op = "set_rt_task_param"
	if err := p.Validate(); err != nil {
		return stateError(ErrInvalidParameter, op, err)
	}
	if t.detached {
		return stateError(ErrKernelRejectedParameter, op, ErrDetached)
	}
	raw := p.raw()
	if err := t.c.kernel.SetRTTaskParam(t.tid, &raw); err != nil {
		return kernelError(ErrKernelRejectedParameter, op, statusOf(err), err)
	}
	t.log.Debug("task params set",
		logx.Duration("exec_cost", p.ExecCost),
		logx.Duration("period", p.Period),
		logx.Duration("relative_deadline", p.RelativeDeadline),
		logx.Int("cpu", int(p.CPU)),
		logx.Int("priority", int(raw.Priority)),
		logx.String("class", p.WithDefaults().Class.String()),
	)
	return nil
}

// Params returns the kernel's current parameter block for this thread.
func (t *Thread) Params() (TaskParams, error) {
	const op = "get_rt_task_param"
	if t.detached {
		return TaskParams{}, stateError(ErrNoParameters, op, ErrDetached)
	}
	var raw RTTask
	if err := t.c.kernel.GetRTTaskParam(t.tid, &raw); err != nil {
		return TaskParams{}, kernelError(ErrNoParameters, op, statusOf(err), err)
	}
	// The kernel hands back a zeroed block for threads that never registered.
	if raw.ExecCost == 0 && raw.Period == 0 {
		return TaskParams{}, stateError(ErrNoParameters, op, nil)
	}
	return paramsFromRaw(raw), nil
}

// SleepNextPeriod completes the current job and blocks until the next one is
// released.
func (t *Thread) SleepNextPeriod() error {
	const op = "sleep_next_period"
	if t.detached {
		return stateError(ErrReleaseWait, op, ErrDetached)
	}
	if err := t.c.kernel.CompleteJob(t.tid); err != nil {
		return kernelError(ErrReleaseWait, op, statusOf(err), err)
	}
	return nil
}

// WaitForJobRelease blocks until job number job has been released.
func (t *Thread) WaitForJobRelease(job uint32) error {
	const op = "wait_for_job_release"
	if t.detached {
		return stateError(ErrReleaseWait, op, ErrDetached)
	}
	if err := t.c.kernel.WaitForJobRelease(t.tid, job); err != nil {
		return kernelError(ErrReleaseWait, op, statusOf(err), err)
	}
	return nil
}

// JobNumber returns the sequence number of the latest released job.
func (t *Thread) JobNumber() (uint32, error) {
	const op = "get_job_no"
	if t.detached {
		return 0, stateError(ErrJobQuery, op, ErrDetached)
	}
	job, err := t.c.kernel.QueryJobNo(t.tid)
	if err != nil {
		return 0, kernelError(ErrJobQuery, op, statusOf(err), err)
	}
	return job, nil
}

// WaitForTSRelease blocks until the task system is released with
// Client.ReleaseTS.
func (t *Thread) WaitForTSRelease() error {
	const op = "wait_for_ts_release"
	if t.detached {
		return stateError(ErrReleaseWait, op, ErrDetached)
	}
	if err := t.c.kernel.WaitForTSRelease(t.tid); err != nil {
		return kernelError(ErrReleaseWait, op, statusOf(err), err)
	}
	return nil
}

func (t *Thread) controlPage() ([]byte, error) {
	if t.detached || t.page == nil {
		return nil, &Error{Op: "get_ctrl_page", Kind: ErrControlPageUnavailable}
	}
	b := t.page.Bytes()
	if len(b) < ControlPageSize {
		return nil, &Error{Op: "get_ctrl_page", Kind: ErrControlPageUnavailable}
	}
	return b, nil
}

// ControlPage copies out the control page. It fails while the thread is not
// in real-time mode.
func (t *Thread) ControlPage() (ControlPageSnapshot, error) {
	page, err := t.controlPage()
	if err != nil {
		return ControlPageSnapshot{}, err
	}
	return readControlPage(page), nil
}

// KExclusionSlot reads only the k-exclusion slot field of the control page.
// It returns NoKExclusionSlot while no k-exclusion lock is held.
func (t *Thread) KExclusionSlot() (uint64, error) {
	page, err := t.controlPage()
	if err != nil {
		return 0, err
	}
	return LoadControlPageField(page, FieldKExclusionSlot), nil
}
