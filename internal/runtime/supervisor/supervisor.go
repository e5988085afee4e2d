// Package supervisor runs the goroutines of one `rtctl run` under a shared
// context: real-time task threads pinned to OS threads, the job recorder and
// the config watcher.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "litmusrt/pkg/logx"
)

// Supervisor names goroutines for logs, recovers their panics, keeps the
// first error and optionally cancels the rest when one fails.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	started atomic.Uint64
	active  atomic.Int64
	wg      sync.WaitGroup
	done    chan struct{}
	waiter  sync.Once

	mu       sync.Mutex
	firstErr error
	runs     map[string]*runStats
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		runs:   map[string]*runStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure, prefixed with the goroutine name.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// SupervisorCounters are best-effort counters, not a synchronization
// primitive.
type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{Active: s.active.Load(), Started: s.started.Load()}
}

// GoroutineStats aggregates the goroutines started under one name.
type GoroutineStats struct {
	Name      string        `json:"name"`
	Locked    bool          `json:"locked_os_thread"`
	Active    int64         `json:"active"`
	Started   uint64        `json:"started"`
	Panics    uint64        `json:"panics"`
	LastErr   string        `json:"last_err,omitempty"`
	LastPanic string        `json:"last_panic,omitempty"`
	Runtime   time.Duration `json:"runtime"`
}

type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

type runStats struct {
	GoroutineStats
	since time.Time
}

// Snapshot is a point-in-time view for status output, sorted by name.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	snap := SupervisorSnapshot{Counters: s.Counters()}
	s.mu.Lock()
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	now := time.Now()
	for _, r := range s.runs {
		g := r.GoroutineStats
		if g.Active > 0 {
			g.Runtime += now.Sub(r.since)
		}
		snap.Goroutines = append(snap.Goroutines, g)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool { return snap.Goroutines[i].Name < snap.Goroutines[j].Name })
	return snap
}

// Go runs fn on a new goroutine. A returned error that wraps
// context.Canceled counts as a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.spawn(name, false, fn)
}

// Go0 is Go for bodies that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.spawn(name, false, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoLocked runs fn like Go, on a goroutine wired to its own OS thread for
// its whole life. The thread is never unlocked, so it exits with the
// goroutine and scheduling state set on it (e.g. a real-time class) cannot
// leak to other goroutines.
func (s *Supervisor) GoLocked(name string, fn func(ctx context.Context) error) {
	s.spawn(name, true, fn)
}

func (s *Supervisor) spawn(name string, locked bool, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		if locked {
			runtime.LockOSThread()
		}
		s.begin(name, locked)
		s.log.Debug("goroutine started", logx.String("name", name), logx.Bool("locked", locked))

		err := s.call(name, fn)
		s.end(name, err)
		if err != nil {
			s.fail(err)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// call runs fn and turns a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.mu.Lock()
			r := s.runs[name]
			r.Panics++
			r.LastPanic = fmt.Sprint(p)
			s.mu.Unlock()
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, p)
		}
	}()
	if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) begin(name string, locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[name]
	if r == nil {
		r = &runStats{GoroutineStats: GoroutineStats{Name: name}}
		s.runs[name] = r
	}
	r.Locked = r.Locked || locked
	r.Started++
	r.Active++
	r.since = time.Now()
}

func (s *Supervisor) end(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[name]
	r.Active--
	r.Runtime += time.Since(r.since)
	if err != nil {
		r.LastErr = err.Error()
	}
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done, and
// returns the first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waiter.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
