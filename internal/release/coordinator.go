package release

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	logx "litmusrt/pkg/logx"
)

// Releaser is the part of litmus.Client the coordinator drives.
type Releaser interface {
	NrTSReleaseWaiters() (int, error)
	ReleaseTS(delay time.Duration) (int, error)
}

// Options control one release.
type Options struct {
	// Waiters is the number of threads that must be blocked in
	// WaitForTSRelease before releasing. Zero releases whoever is waiting.
	Waiters int
	// Delay is added to the litmus clock for the first job release.
	Delay time.Duration
	// Schedule, when set, postpones the release to its next tick after the
	// waiters are in place.
	Schedule *Schedule
	// PollRate is the number of waiter checks per second.
	PollRate int
	// Timeout bounds the whole operation. Zero waits forever.
	Timeout time.Duration
}

// Result describes a completed release.
type Result struct {
	Waiting  int
	Released int
	At       time.Time
}

var ErrTimeout = errors.New("release: timed out")

type Coordinator struct {
	r   Releaser
	log logx.Logger
	now func() time.Time
}

func NewCoordinator(r Releaser, log logx.Logger) *Coordinator {
	return &Coordinator{r: r, log: log.With(logx.String("comp", "release")), now: time.Now}
}

// AwaitWaiters polls the waiter count, at most rps times per second, until at
// least want threads wait. It returns the last count seen.
func (c *Coordinator) AwaitWaiters(ctx context.Context, want int, rps int) (int, error) {
	if rps <= 0 {
		rps = 10
	}
	lim := rate.NewLimiter(rate.Limit(rps), 1)
	last := -1
	for {
		if err := lim.Wait(ctx); err != nil {
			return max(last, 0), c.ctxErr(ctx, want, last)
		}
		n, err := c.r.NrTSReleaseWaiters()
		if err != nil {
			return 0, err
		}
		if n != last {
			c.log.Debug("release waiters", logx.Int("waiting", n), logx.Int("want", want))
			last = n
		}
		if n >= want {
			return n, nil
		}
	}
}

func (c *Coordinator) ctxErr(ctx context.Context, want, have int) error {
	// rate.Limiter.Wait fails before the deadline when the next token would
	// arrive after it, so a nil ctx.Err() is a timeout too.
	err := ctx.Err()
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w waiting for %d release waiters (have %d)", ErrTimeout, want, max(have, 0))
	}
	return err
}

// Release waits for the configured waiters, then for the schedule's next
// tick if any, then releases the task system.
func (c *Coordinator) Release(ctx context.Context, opt Options) (Result, error) {
	if opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opt.Timeout)
		defer cancel()
	}

	waiting, err := c.AwaitWaiters(ctx, opt.Waiters, opt.PollRate)
	if err != nil {
		return Result{Waiting: waiting}, err
	}

	if opt.Schedule != nil {
		next := opt.Schedule.Next(c.now())
		if next.IsZero() {
			return Result{Waiting: waiting}, fmt.Errorf("release: schedule %s has no next tick", opt.Schedule)
		}
		c.log.Info("release scheduled", logx.String("schedule", opt.Schedule.String()), logx.Time("at", next))
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return Result{Waiting: waiting}, c.ctxErr(ctx, opt.Waiters, waiting)
		case <-t.C:
		}
	}

	released, err := c.r.ReleaseTS(opt.Delay)
	if err != nil {
		return Result{Waiting: waiting}, err
	}
	return Result{Waiting: waiting, Released: released, At: c.now()}, nil
}
