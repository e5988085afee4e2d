package litmus

import (
	"runtime"
	"sync"
	"time"

	logx "litmusrt/pkg/logx"
)

// Client is the process-wide LITMUS^RT context: the kernel boundary, the
// logger and the table of open lock handles. Per-thread state lives in
// Thread values returned by Attach.
//
// A Client is safe for concurrent use.
type Client struct {
	kernel Kernel
	log    logx.Logger

	locks *lockTable

	mu     sync.Mutex
	inited bool
}

type Option func(*Client)

func WithLogger(log logx.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(k Kernel, opts ...Option) *Client {
	c := &Client{
		kernel: k,
		locks:  newLockTable(),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

// Kernel returns the boundary the client talks to.
func (c *Client) Kernel() Kernel { return c.kernel }

// Init prepares the process for real-time execution (memory locking, kernel
// presence check).
func (c *Client) Init() error {
	if err := c.kernel.Init(); err != nil {
		return kernelError(ErrInit, "init_litmus", statusOf(err), err)
	}
	c.mu.Lock()
	c.inited = true
	c.mu.Unlock()
	c.log.Debug("litmus initialized")
	return nil
}

// Exit closes every lock handle still open and undoes Init. Failures are
// logged, never returned.
func (c *Client) Exit() {
	for _, h := range c.locks.drain() {
		if err := c.kernel.CloseObject(h.od); err != nil {
			c.log.Warn("lock close on exit failed", logx.Int("od", h.od), logx.Err(err))
		}
	}
	c.mu.Lock()
	inited := c.inited
	c.inited = false
	c.mu.Unlock()
	if !inited {
		return
	}
	if err := c.kernel.Exit(); err != nil {
		c.log.Warn("litmus exit failed", logx.Err(err))
	}
}

// Attach pins the calling goroutine to its OS thread and returns its
// per-thread context. Every Thread method must be called from this
// goroutine until Detach.
func (c *Client) Attach() *Thread {
	runtime.LockOSThread()
	tid := c.kernel.Gettid()
	t := &Thread{
		c:   c,
		tid: tid,
		log: c.log.With(logx.Int("tid", tid)),
	}
	t.log.Debug("thread attached")
	return t
}

// Clock returns the current time on the kernel's scheduling clock.
func (c *Client) Clock() time.Duration { return c.kernel.Clock() }

// ReleaseTS releases every thread blocked in WaitForTSRelease, with the first
// job of each released at Clock()+delay. It returns the number released.
func (c *Client) ReleaseTS(delay time.Duration) (int, error) {
	n, err := c.kernel.ReleaseTS(delay)
	if err != nil {
		return 0, kernelError(ErrTaskSystemRelease, "release_ts", statusOf(err), err)
	}
	c.log.Info("task system released", logx.Int("released", n), logx.Duration("delay", delay))
	return n, nil
}

// NrTSReleaseWaiters returns how many threads are waiting for the task system
// release.
func (c *Client) NrTSReleaseWaiters() (int, error) {
	n, err := c.kernel.NrTSReleaseWaiters()
	if err != nil {
		return 0, kernelError(ErrTaskSystemRelease, "get_nr_ts_release_waiters", statusOf(err), err)
	}
	return n, nil
}
