package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// JobEvent reports one completed job of a real-time task thread.
//
// Publish runs on real-time threads: it never blocks and never allocates.
// A subscriber whose buffer is full misses the event and the miss is counted.
type JobEvent struct {
	RunID string
	TID   int
	Job   uint32
	At    time.Time

	// Release and Deadline are read from the control page (litmus clock, ns).
	Release  uint64
	Deadline uint64

	// Slot is the k-exclusion slot held during the job, or -1.
	Slot int
	Hold time.Duration
	Err  string
}

type Bus interface {
	Publish(e JobEvent)
	Subscribe(buffer int) (ch <-chan JobEvent, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

const defaultBuffer = 8

// New returns an in-memory fanout bus with no goroutines of its own.
func New() Bus {
	b := &fanout{}
	b.subs.Store(&[]*subscriber{})
	return b
}

type subscriber struct {
	mu     sync.RWMutex
	ch     chan JobEvent
	closed bool
}

// deliver reports false when the subscriber was full.
func (s *subscriber) deliver(e JobEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// fanout keeps an immutable subscriber list that writers replace wholesale,
// so Publish only performs an atomic load.
type fanout struct {
	writeMu sync.Mutex
	subs    atomic.Pointer[[]*subscriber]
	dropped atomic.Uint64
}

func (b *fanout) Publish(e JobEvent) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, s := range *b.subs.Load() {
		if !s.deliver(e) {
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }

func (b *fanout) Subscribe(buffer int) (<-chan JobEvent, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan JobEvent, buffer)}

	b.writeMu.Lock()
	next := append(slices.Clone(*b.subs.Load()), s)
	b.subs.Store(&next)
	b.writeMu.Unlock()

	var once sync.Once
	return s.ch, func() { once.Do(func() { b.remove(s) }) }
}

func (b *fanout) remove(s *subscriber) {
	b.writeMu.Lock()
	next := slices.DeleteFunc(slices.Clone(*b.subs.Load()), func(x *subscriber) bool { return x == s })
	b.subs.Store(&next)
	b.writeMu.Unlock()
	s.close()
}
