package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCancelOnFirstError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failer", func(ctx context.Context) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want boom", err)
	}
	if !strings.HasPrefix(err.Error(), "failer:") {
		t.Fatalf("error %q not prefixed with goroutine name", err)
	}
	if s.Counters().Active != 0 {
		t.Fatalf("active = %d after Wait", s.Counters().Active)
	}
}

func TestPanicIsCaptured(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go0("panicker", func(ctx context.Context) { panic("bad job") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "bad job") {
		t.Fatalf("Wait = %v, want panic error", err)
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("snapshot = %+v, want one goroutine with one panic", snap)
	}
}

func TestCanceledIsClean(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	for _, name := range []string{"a", "b"} {
		s.GoLocked(name, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
	if got := s.Counters().Started; got != 2 {
		t.Fatalf("started = %d, want 2", got)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(ctx context.Context) { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want DeadlineExceeded", err)
	}
}

func TestSnapshotMarksLockedThreads(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.GoLocked("task-0", func(ctx context.Context) error { return nil })
	s.Go("recorder", func(ctx context.Context) error { return errors.New("disk full") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Wait(ctx)

	snap := s.Snapshot()
	if len(snap.Goroutines) != 2 {
		t.Fatalf("goroutines = %+v, want 2", snap.Goroutines)
	}
	rec, task := snap.Goroutines[0], snap.Goroutines[1]
	if rec.Name != "recorder" || rec.Locked || rec.LastErr != "recorder: disk full" {
		t.Fatalf("recorder stats = %+v", rec)
	}
	if task.Name != "task-0" || !task.Locked || task.Active != 0 || task.Started != 1 {
		t.Fatalf("task stats = %+v", task)
	}
	if snap.FirstError != "recorder: disk full" {
		t.Fatalf("first error = %q", snap.FirstError)
	}
}
