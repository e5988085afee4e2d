package runner

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"litmusrt/internal/eventbus"
	"litmusrt/internal/runtime/supervisor"
	"litmusrt/pkg/litmus"
	logx "litmusrt/pkg/logx"
)

// LockSpec names the lock taken once per job.
type LockSpec struct {
	Protocol  int
	Namespace string
	ID        int
	K         int
}

// Config describes the task threads of one run.
type Config struct {
	RunID  string
	Params litmus.TaskParams
	// Threads is the number of task threads; at least one runs.
	Threads int
	// Jobs stops each thread after that many jobs. Zero runs until the
	// context is canceled.
	Jobs int
	// WaitForRelease blocks every thread in WaitForTSRelease before its
	// first job.
	WaitForRelease bool
	Lock           *LockSpec
	// HoldTime is how long a job keeps the lock. Zero picks a random time
	// below 75% of the execution cost for every job.
	HoldTime time.Duration
}

// Runner runs the task threads of one configuration.
type Runner struct {
	client *litmus.Client
	bus    eventbus.Bus
	log    logx.Logger
	cfg    Config

	mu   sync.Mutex
	lock litmus.LockHandle

	randHold func(limit time.Duration) time.Duration
}

func New(client *litmus.Client, bus eventbus.Bus, cfg Config, log logx.Logger) *Runner {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	return &Runner{
		client: client,
		bus:    bus,
		log:    log.With(logx.String("comp", "runner"), logx.String("run", cfg.RunID)),
		cfg:    cfg,
		randHold: func(limit time.Duration) time.Duration {
			if limit <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(limit)))
		},
	}
}

// Open opens the configured lock. It is a no-op without a lock.
func (r *Runner) Open() error {
	if r.cfg.Lock == nil {
		return nil
	}
	l := r.cfg.Lock
	h, err := r.client.OpenLock(l.Protocol, l.Namespace, l.ID, l.K)
	if err != nil {
		return fmt.Errorf("open %s lock %d in %s: %w", litmus.NameForLockProtocol(l.Protocol), l.ID, l.Namespace, err)
	}
	r.mu.Lock()
	r.lock = h
	r.mu.Unlock()
	r.log.Info("lock opened",
		logx.String("protocol", litmus.NameForLockProtocol(l.Protocol)),
		logx.String("namespace", l.Namespace),
		logx.Int("id", l.ID),
		logx.Int("k", l.K),
		logx.Int("od", h.OD()),
	)
	return nil
}

// Close closes the lock opened by Open.
func (r *Runner) Close() error {
	r.mu.Lock()
	h := r.lock
	r.lock = litmus.LockHandle{}
	r.mu.Unlock()
	if h.IsZero() {
		return nil
	}
	return r.client.CloseLock(h)
}

func (r *Runner) handle() litmus.LockHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lock
}

// Start runs every task thread under sup, each on a locked OS thread.
func (r *Runner) Start(sup *supervisor.Supervisor) {
	for i := 0; i < r.cfg.Threads; i++ {
		sup.GoLocked(fmt.Sprintf("task-%d", i), r.RunThread)
	}
}

// RunThread is the body of one task thread. It must run on a goroutine that
// does nothing else. Cancellation is checked between jobs; a thread blocked in
// the kernel returns only once the kernel lets it go.
func (r *Runner) RunThread(ctx context.Context) error {
	th := r.client.Attach()
	defer th.Detach()
	log := r.log.With(logx.Int("tid", th.TID()))

	if err := th.SetParams(r.cfg.Params); err != nil {
		return err
	}
	if err := th.SetTaskMode(true); err != nil {
		return err
	}
	log.Info("task thread real-time",
		logx.Duration("exec_cost", r.cfg.Params.ExecCost),
		logx.Duration("period", r.cfg.Params.Period),
	)

	if r.cfg.WaitForRelease {
		log.Info("waiting for task-system release")
		if err := th.WaitForTSRelease(); err != nil {
			return err
		}
	}

	for n := 0; r.cfg.Jobs == 0 || n < r.cfg.Jobs; n++ {
		if ctx.Err() != nil {
			break
		}
		ev, err := r.job(th)
		r.bus.Publish(ev)
		if err != nil {
			return err
		}
		if err := th.SleepNextPeriod(); err != nil {
			return err
		}
	}

	if err := th.SetTaskMode(false); err != nil {
		log.Warn("leaving real-time mode failed", logx.Err(err))
	}
	log.Info("task thread done")
	return nil
}

// job runs one job and describes it. The event is returned even on error.
func (r *Runner) job(th *litmus.Thread) (eventbus.JobEvent, error) {
	ev := eventbus.JobEvent{RunID: r.cfg.RunID, TID: th.TID(), At: time.Now(), Slot: -1}
	fail := func(err error) (eventbus.JobEvent, error) {
		ev.Err = err.Error()
		return ev, err
	}

	job, err := th.JobNumber()
	if err != nil {
		return fail(err)
	}
	ev.Job = job
	if page, err := th.ControlPage(); err == nil {
		ev.Release = page.Release
		ev.Deadline = page.Deadline
	}

	h := r.handle()
	if h.IsZero() {
		return ev, nil
	}
	if err := th.Lock(h); err != nil {
		return fail(err)
	}
	slot, err := th.KExclusionSlot()
	if err == nil && slot != litmus.NoKExclusionSlot {
		ev.Slot = int(slot)
	}
	ev.Hold = r.spin(r.holdTime())
	if err := th.Unlock(h); err != nil {
		return fail(err)
	}
	return ev, nil
}

func (r *Runner) holdTime() time.Duration {
	if r.cfg.HoldTime > 0 {
		return r.cfg.HoldTime
	}
	return r.randHold(r.cfg.Params.ExecCost * 3 / 4)
}

// spin burns CPU for d on the litmus clock and returns the time spent.
func (r *Runner) spin(d time.Duration) time.Duration {
	start := r.client.Clock()
	for {
		el := r.client.Clock() - start
		if el >= d {
			return el
		}
	}
}
