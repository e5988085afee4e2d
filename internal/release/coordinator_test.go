package release

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"litmusrt/pkg/litmus"
	"litmusrt/pkg/litmus/litmustest"
	logx "litmusrt/pkg/logx"
)

func newClient(t *testing.T) (*litmus.Client, *litmustest.Kernel) {
	t.Helper()
	k := litmustest.New()
	c := litmus.New(k)
	if err := c.Init(); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	t.Cleanup(c.Exit)
	return c, k
}

// startWaiters runs n real-time threads blocked in WaitForTSRelease and
// returns a channel with one result per thread.
func startWaiters(t *testing.T, c *litmus.Client, n int) <-chan error {
	t.Helper()
	out := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			th := c.Attach()
			defer th.Detach()
			if err := th.SetParams(litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond)); err != nil {
				out <- err
				return
			}
			if err := th.SetTaskMode(true); err != nil {
				out <- err
				return
			}
			out <- th.WaitForTSRelease()
		}()
	}
	return out
}

func TestReleaseWaitsForWaiters(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t)
	co := NewCoordinator(c, logx.Nop())

	const n = 3
	done := startWaiters(t, c, n)
	res, err := co.Release(context.Background(), Options{Waiters: n, Delay: time.Millisecond, PollRate: 200, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if res.Waiting != n || res.Released != n {
		t.Fatalf("result = %+v, want %d waiting and released", res, n)
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("waiter error: %v", err)
		}
	}
}

func TestReleaseTimesOut(t *testing.T) {
	t.Parallel()
	c, k := newClient(t)
	co := NewCoordinator(c, logx.Nop())

	done := startWaiters(t, c, 1)
	k.AwaitTSWaiters(1)

	_, err := co.Release(context.Background(), Options{Waiters: 2, PollRate: 100, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Release err = %v, want ErrTimeout", err)
	}
	if got := k.CallsTo(litmustest.CallReleaseTS); got != 0 {
		t.Fatalf("release_ts calls = %d, want 0", got)
	}

	// Let the waiter go so the test does not leak it.
	if _, err := c.ReleaseTS(0); err != nil {
		t.Fatalf("ReleaseTS error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("waiter error: %v", err)
	}
}

func TestReleaseSurfacesKernelErrors(t *testing.T) {
	t.Parallel()
	c, k := newClient(t)
	co := NewCoordinator(c, logx.Nop())

	k.FailNext(litmustest.CallNrTSReleaseWaiters, syscall.ENOENT)
	_, err := co.Release(context.Background(), Options{Waiters: 1, PollRate: 100})
	if !errors.Is(err, litmus.ErrTaskSystemRelease) || !errors.Is(err, syscall.ENOENT) {
		t.Fatalf("err = %v, want ErrTaskSystemRelease wrapping ENOENT", err)
	}
	if got := k.CallsTo(litmustest.CallNrTSReleaseWaiters); got != 1 {
		t.Fatalf("waiter polls = %d, want 1 (no retry)", got)
	}

	k.FailNext(litmustest.CallReleaseTS, syscall.EPERM)
	if _, err := co.Release(context.Background(), Options{}); !errors.Is(err, syscall.EPERM) {
		t.Fatalf("err = %v, want EPERM", err)
	}
}

func TestReleaseOnSchedule(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t)
	co := NewCoordinator(c, logx.Nop())

	var mu sync.Mutex
	fixed := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	co.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return fixed
	}

	// A tick in the past fires immediately.
	sched, err := ParseSchedule("interval:1h")
	if err != nil {
		t.Fatalf("ParseSchedule error: %v", err)
	}
	done := startWaiters(t, c, 1)
	res, err := co.Release(context.Background(), Options{Waiters: 1, Schedule: &sched, PollRate: 200, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if res.Released != 1 {
		t.Fatalf("released = %d, want 1", res.Released)
	}
	if err := <-done; err != nil {
		t.Fatalf("waiter error: %v", err)
	}
}

func TestReleaseScheduleHonorsContext(t *testing.T) {
	t.Parallel()
	c, k := newClient(t)
	co := NewCoordinator(c, logx.Nop())

	sched, err := ParseSchedule("cron:0 0 1 1 *")
	if err != nil {
		t.Fatalf("ParseSchedule error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = co.Release(ctx, Options{Schedule: &sched})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := k.CallsTo(litmustest.CallReleaseTS); got != 0 {
		t.Fatalf("release_ts calls = %d, want 0", got)
	}
}
