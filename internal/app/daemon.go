package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"nudge/internal/config"
	"nudge/internal/eventbus"
	"nudge/internal/runtime/supervisor"
	"nudge/internal/task/engine"
	logx "nudge/pkg/logx"
)

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the daemon: engine, scheduler, reconcile loop and config watch.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg, nil); err != nil {
			return err
		}
		for name, nc := range cfg.Notifiers {
			if _, err := mapNotifierConfig(name, nc, nil); err != nil {
				return err
			}
		}
		return nil
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; tasks only run via fire")
	}

	if err := a.reconcile(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("initial reconcile: %w", err)
	}

	a.sup.Go("registrar.reconcile", func(c context.Context) error {
		for {
			every := time.Duration(a.reconcileEvery.Load())
			if every <= 0 {
				// Disabled; a reload may switch it back on.
				every = defaultReconcileEvery
				if !sleepCtx(c, every) {
					return nil
				}
				continue
			}
			if !sleepCtx(c, every) {
				return nil
			}
			if err := a.reconcile(c); err != nil && c.Err() == nil {
				a.log.Warn("reconcile failed", logx.Err(err))
			}
		}
	})

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level to avoid noise for frequent schedules.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog()
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("daemon started", logx.Strings("tasks", a.TaskNames()))
	return nil
}

// startWatchdog pings systemd at half the configured WatchdogSec.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
	a.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
}

func (a *App) applyConfig(c context.Context, lastApplied, newCfg *config.Config) {
	sections, attrs, changedTasks := config.SummarizeConfigChange(lastApplied, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if every, err := config.ParseDurationAllowZero("scheduler.reconcile_every", newCfg.Scheduler.ReconcileEvery, defaultReconcileEvery); err == nil {
		a.reconcileEvery.Store(int64(every))
	}

	prevSchedEnabled := a.sched.Enabled()
	prevEngEnabled := a.engine.Enabled()

	newEngCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		es := a.engine.Snapshot()
		newEngCfg = engine.Config{Enabled: es.Enabled}
	} else {
		a.engine.Apply(c, newEngCfg)
	}
	a.sched.Apply(mapSchedulerConfig(newCfg))

	// scheduler first on shutdown; engine first on startup
	newSchedEnabled := newCfg.Scheduler.Enabled
	if prevSchedEnabled && !newSchedEnabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEngEnabled && !newEngCfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEngEnabled && newEngCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevSchedEnabled && newSchedEnabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	if slices.Contains(sections, "tasks") || slices.Contains(sections, "notifiers") || slices.Contains(sections, "scheduler") {
		next, err := buildBindings(newCfg, a.bindingDeps())
		if err != nil {
			a.log.Warn("task bindings rejected; keeping previous", logx.Err(err))
		} else {
			a.swapBindings(next)
			for _, name := range changedTasks {
				if _, ok := next[name]; !ok {
					continue
				}
				if _, err := a.deployTask(c, name); err != nil {
					a.log.Error("redeploy failed", logx.String("task", name), logx.Err(err))
				}
			}
			a.forgetScheduled()
			if err := a.reconcile(c); err != nil {
				a.log.Warn("reconcile failed", logx.Err(err))
			}
		}
	}

	eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the daemon down step by step, each step bounded by its own timeout.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it does not, log when it eventually finishes.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Duration("took", time.Since(start)),
					logx.Err(err),
				)
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
