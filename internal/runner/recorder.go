package runner

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"litmusrt/internal/eventbus"
	"litmusrt/internal/storage"
	"litmusrt/pkg/litmus"
	logx "litmusrt/pkg/logx"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// RunEntry describes cfg for storage.
func RunEntry(cfg Config, startedAt time.Time) storage.RunEntry {
	e := storage.RunEntry{
		ID:               cfg.RunID,
		StartedAt:        startedAt,
		Threads:          max(cfg.Threads, 1),
		ExecCost:         cfg.Params.ExecCost,
		Period:           cfg.Params.Period,
		RelativeDeadline: cfg.Params.RelativeDeadline,
		Class:            cfg.Params.WithDefaults().Class.String(),
	}
	if cfg.Lock != nil {
		e.LockProtocol = litmus.NameForLockProtocol(cfg.Lock.Protocol)
		e.LockK = cfg.Lock.K
	}
	return e
}

// Recorder persists job events. It subscribes on creation so no event
// published after NewRecorder returns is missed.
type Recorder struct {
	store storage.Store
	log   logx.Logger

	ch    <-chan eventbus.JobEvent
	unsub func()

	recorded atomic.Uint64
	failed   atomic.Uint64
	errored  atomic.Uint64
}

// NewRecorder subscribes to bus with room for buffer events. store may be nil,
// in which case jobs are only logged.
func NewRecorder(bus eventbus.Bus, store storage.Store, buffer int, log logx.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	ch, unsub := bus.Subscribe(buffer)
	return &Recorder{
		store: store,
		log:   log.With(logx.String("comp", "recorder")),
		ch:    ch,
		unsub: unsub,
	}
}

// Run consumes events until ctx is done, then records whatever is still
// buffered and unsubscribes.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case ev, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				return
			}
			r.record(ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ev eventbus.JobEvent) {
	fields := []logx.Field{
		logx.Int("tid", ev.TID),
		logx.Uint64("job", uint64(ev.Job)),
		logx.Int("slot", ev.Slot),
		logx.Duration("hold", ev.Hold),
	}
	if ev.Err != "" {
		r.errored.Add(1)
		r.log.Warn("job failed", append(fields, logx.String("err", ev.Err))...)
	} else {
		r.log.Debug("job done", fields...)
	}
	if r.store == nil {
		return
	}
	// Bounded per record so a wedged store cannot stall shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.store.AppendJob(ctx, storage.JobEntry{
		RunID:    ev.RunID,
		TID:      ev.TID,
		Job:      ev.Job,
		At:       ev.At,
		Release:  ev.Release,
		Deadline: ev.Deadline,
		Slot:     ev.Slot,
		Hold:     ev.Hold,
		Error:    ev.Err,
	})
	if err != nil {
		r.failed.Add(1)
		r.log.Warn("job record failed", logx.Err(err))
		return
	}
	r.recorded.Add(1)
}

// RecorderStats counts handled events.
type RecorderStats struct {
	Recorded uint64 // persisted
	Failed   uint64 // store errors
	Errored  uint64 // events reporting a failed job
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Failed:   r.failed.Load(),
		Errored:  r.errored.Load(),
	}
}
