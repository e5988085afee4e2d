package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"litmusrt/internal/config"
	"litmusrt/internal/eventbus"
	"litmusrt/internal/observability/pprof"
	"litmusrt/internal/runner"
	"litmusrt/internal/runtime/supervisor"
	"litmusrt/internal/storage"
	"litmusrt/pkg/litmus"
	logx "litmusrt/pkg/logx"
)

// App is one `rtctl run`: the task threads, the job recorder and the config
// watcher under a shared supervisor.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	// tasks holds only the task threads so they can be drained before the
	// recorder stops.
	tasks *supervisor.Supervisor

	log      logx.Logger
	logs     *logx.Service
	logLevel string
	bus      eventbus.Bus
	store    storage.Store

	client  *litmus.Client
	rcfg    runner.Config
	runner  *runner.Runner
	rec     *runner.Recorder
	stopRec context.CancelFunc

	pcfg      pprof.Config
	pprofOn   bool
	debug     *pprof.Service
	startedAt time.Time

	notify    func(unsetEnvironment bool, state string) (bool, error)
	tasksDone chan struct{}
	stopOnce  sync.Once
}

type options struct {
	kernel   litmus.Kernel
	logLevel string
	notify   func(unsetEnvironment bool, state string) (bool, error)
}

type Option func(*options)

// WithKernel replaces the syscall kernel, e.g. with litmustest.Kernel.
func WithKernel(k litmus.Kernel) Option {
	return func(o *options) { o.kernel = k }
}

// WithLogLevel overrides logging.level, also across config reloads.
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = strings.TrimSpace(level) }
}

// WithNotifier replaces daemon.SdNotify.
func WithNotifier(fn func(unsetEnvironment bool, state string) (bool, error)) Option {
	return func(o *options) { o.notify = fn }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{notify: daemon.SdNotify}
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		if _, ok := logx.ParseLevel(o.logLevel); !ok {
			return nil, fmt.Errorf("unknown log level %q", o.logLevel)
		}
	}

	logSvc, log := logx.New(withLevel(cfg.Logging.Logx(), o.logLevel))
	log = log.With(logx.String("comp", "app"))

	store, err := OpenStore(cfg, log)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		store = nil
	case err != nil:
		logSvc.Close()
		return nil, err
	default:
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	k := o.kernel
	if k == nil {
		k = NewKernel(cfg)
	}
	client := litmus.New(k, litmus.WithLogger(log.With(logx.String("comp", "litmus"))))

	rcfg, err := mapRunnerConfig(cfg, runner.NewRunID())
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		logSvc.Close()
		return nil, err
	}
	bus := eventbus.New()
	pcfg, pprofOn := mapPprofConfig(cfg)

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		logLevel:  o.logLevel,
		bus:       bus,
		store:     store,
		client:    client,
		rcfg:      rcfg,
		runner:    runner.New(client, bus, rcfg, log),
		pcfg:      pcfg,
		pprofOn:   pprofOn,
		notify:    o.notify,
		tasksDone: make(chan struct{}),
	}, nil
}

func withLevel(cfg logx.Config, level string) logx.Config {
	if level != "" {
		cfg.Level = level
	}
	return cfg
}

// RunID identifies this run in storage and logs.
func (a *App) RunID() string { return a.rcfg.RunID }

// DebugAddr is the bound address of the debug listener, or "" when it is
// disabled or not yet listening.
func (a *App) DebugAddr() string {
	if a.debug == nil {
		return ""
	}
	return a.debug.Addr()
}

// Done is closed once every task thread has returned.
func (a *App) Done() <-chan struct{} { return a.tasksDone }

// Err returns the first fatal error observed by the supervisors (if any).
func (a *App) Err() error {
	if a.tasks != nil {
		if err := a.tasks.Err(); err != nil {
			return err
		}
	}
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) sdNotify(state string) {
	if a.notify == nil {
		return
	}
	if _, err := a.notify(false, state); err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.startedAt = time.Now()
	if err := a.client.Init(); err != nil {
		return err
	}
	if err := a.runner.Open(); err != nil {
		return err
	}
	if a.store != nil {
		if err := a.store.AppendRun(ctx, runner.RunEntry(a.rcfg, a.startedAt)); err != nil {
			a.log.Warn("run record failed", logx.Err(err))
		}
	}

	// The recorder outlives the task threads so their last events are kept.
	a.rec = runner.NewRecorder(a.bus, a.store, 0, a.log)
	recCtx, stopRec := context.WithCancel(context.Background())
	a.stopRec = stopRec
	a.sup.Go("recorder", func(context.Context) error { return a.rec.Run(recCtx) })

	a.tasks = supervisor.NewSupervisor(a.sup.Context(), supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.runner.Start(a.tasks)
	a.sup.Go("tasks.wait", func(context.Context) error {
		defer close(a.tasksDone)
		return a.tasks.Wait(context.Background())
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.pprofOn {
		a.debug = pprof.New(a.pcfg, func() any { return a.Status() }, a.log)
		// The debug listener is optional; its failure never stops the tasks.
		a.sup.Go("pprof", func(c context.Context) error {
			if err := a.debug.Run(c); err != nil {
				a.log.Error("pprof listener failed", logx.Err(err))
			}
			return nil
		})
	}

	a.sdNotify(daemon.SdNotifyReady)
	a.sdNotify(fmt.Sprintf("STATUS=running %d task threads (run %s)", a.rcfg.Threads, a.rcfg.RunID))
	a.log.Info("app started",
		logx.String("run", a.rcfg.RunID),
		logx.Int("threads", a.rcfg.Threads),
		logx.Int("jobs", a.rcfg.Jobs),
	)
	return nil
}

// applyConfig hot-applies logging; every other section needs a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, needsRestart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(withLevel(newCfg.Logging.Logx(), a.logLevel))
	if needsRestart {
		a.log.Warn("config changed outside logging; restart required for it to take effect")
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var stopErr error
	a.stopOnce.Do(func() { stopErr = a.stop(ctx, reason) })
	return stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	if a.sup != nil {
		a.sup.Cancel()
	}

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// A task thread blocked in the kernel only returns when the
			// kernel releases it.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	if a.tasks != nil {
		step("tasks", 5*time.Second, func(c context.Context) error { return a.tasks.Wait(c) })
	}
	if a.stopRec != nil {
		a.stopRec()
	}
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("lock", time.Second, func(context.Context) error { return a.runner.Close() })
	step("litmus", time.Second, func(context.Context) error { a.client.Exit(); return nil })
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	fields := []logx.Field{
		logx.String("run", a.rcfg.RunID),
		logx.Uint64("events_dropped", a.bus.Dropped()),
		logx.Uint64("journal_dropped", a.logs.JournalDropped()),
		logx.Uint64("log_dropped", a.logs.AsyncDropped()),
	}
	if a.rec != nil {
		s := a.rec.Stats()
		fields = append(fields,
			logx.Uint64("jobs_recorded", s.Recorded),
			logx.Uint64("jobs_failed", s.Errored),
			logx.Uint64("record_errors", s.Failed),
		)
	}
	a.log.Info("stopped", fields...)
	if a.logs != nil {
		a.logs.Close()
	}
	return a.Err()
}
