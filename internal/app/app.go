package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nudge/internal/config"
	"nudge/internal/credential"
	"nudge/internal/eventbus"
	"nudge/internal/ledger"
	"nudge/internal/notifier"
	"nudge/internal/registrar"
	"nudge/internal/runtime/supervisor"
	"nudge/internal/storage"
	"nudge/internal/task/engine"
	"nudge/internal/task/scheduler"
	logx "nudge/pkg/logx"
)

var ErrUnknownTask = errors.New("app: unknown task")

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	creds *credential.Resolver

	ledger *ledger.Ledger
	reg    *registrar.Registrar
	engine *engine.Service
	sched  *scheduler.Service

	overrides map[string]notifier.Notifier
	now       func() time.Time

	mu       sync.RWMutex
	bindings map[string]*binding

	// scheduled maps a task name to the registration id its cron entry was built from.
	schedMu   sync.Mutex
	scheduled map[string]string

	reconcileEvery atomic.Int64
	closeOnce      sync.Once
}

type Option func(*App)

// WithNotifier replaces the named notifier for every task that uses it.
func WithNotifier(name string, n notifier.Notifier) Option {
	return func(a *App) {
		if a.overrides == nil {
			a.overrides = map[string]notifier.Notifier{}
		}
		a.overrides[name] = n
	}
}

// WithCredentials sets the resolver for env: and keyring: references.
func WithCredentials(r *credential.Resolver) Option {
	return func(a *App) { a.creds = r }
}

func WithClock(now func() time.Time) Option {
	return func(a *App) {
		if now != nil {
			a.now = now
		}
	}
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgPath: cfgPath, cfgm: cfgm, now: time.Now, scheduled: map[string]string{}}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}
	if a.creds == nil {
		a.creds = credential.NewResolver()
	}

	a.logs, a.root = logx.New(mapLogConfig(cfg))
	a.log = a.root.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	sc, err := mapStorageConfig(cfg, a.creds)
	if err != nil {
		_ = a.logs.Close()
		return nil, err
	}
	a.store, err = storage.Open(sc, a.root)
	if err != nil {
		_ = a.logs.Close()
		return nil, err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.ledger = ledger.New(a.store,
		ledger.WithLogger(a.root),
		ledger.WithBus(a.bus),
		ledger.WithClock(a.now),
	)
	a.reg = registrar.New(a.store, a.store, a.ledger,
		registrar.WithLogger(a.root),
		registrar.WithBus(a.bus),
		registrar.WithClock(a.now),
		registrar.WithTimezone(cfg.Scheduler.Timezone),
	)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.engine = engine.New(engCfg, a.root, a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, a.root, a.bus)

	every, err := config.ParseDurationAllowZero("scheduler.reconcile_every", cfg.Scheduler.ReconcileEvery, defaultReconcileEvery)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.reconcileEvery.Store(int64(every))

	a.bindings, err = buildBindings(cfg, a.bindingDeps())
	if err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) bindingDeps() bindingDeps {
	return bindingDeps{creds: a.creds, overrides: a.overrides, log: a.root}
}

// Config returns the last committed config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Close releases storage, subject sources and log files. It is used by
// one-shot commands; Stop calls it for the daemon.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() { err = a.closeResources() })
	return err
}

func (a *App) closeResources() error {
	var errs []error
	a.mu.Lock()
	for _, b := range a.bindings {
		errs = append(errs, b.close())
	}
	a.bindings = nil
	a.mu.Unlock()
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// acquire returns the binding for name and marks it in use.
func (a *App) acquire(name string) (*binding, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.bindings[strings.TrimSpace(name)]
	if ok {
		b.inUse.Add(1)
	}
	return b, ok
}

// swapBindings installs next and retires the previous set.
func (a *App) swapBindings(next map[string]*binding) {
	a.mu.Lock()
	prev := a.bindings
	a.bindings = next
	a.mu.Unlock()
	for _, b := range prev {
		b.retire(a.log)
	}
}

// TaskNames lists configured, enabled tasks.
func (a *App) TaskNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedNames(a.bindings)
}

// Deploy installs every configured task and records a report for each. It is
// the deployment hook: failures are collected per task and returned together.
func (a *App) Deploy(ctx context.Context) ([]registrar.TaskReport, error) {
	var (
		reports []registrar.TaskReport
		errs    []error
	)
	for _, name := range a.TaskNames() {
		rep, err := a.deployTask(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("deploy %s: %w", name, err))
			continue
		}
		if rep != nil {
			reports = append(reports, *rep)
		}
	}
	if len(errs) > 0 {
		a.log.Error("deploy finished with errors",
			logx.Int("tasks", len(reports)+len(errs)),
			logx.Int("failed", len(errs)),
		)
	} else {
		a.log.Info("deploy finished", logx.Int("tasks", len(reports)))
	}
	return reports, errors.Join(errs...)
}

func (a *App) deployTask(ctx context.Context, name string) (*registrar.TaskReport, error) {
	b, ok := a.acquire(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	defer b.inUse.Done()

	if _, err := a.reg.Install(ctx, b.name, b.cadence, b.queue, registrar.WithDescription(b.description)); err != nil {
		return nil, err
	}
	return a.reg.ReportOutcome(ctx, b.name)
}

// FireNow runs one firing of name synchronously.
func (a *App) FireNow(ctx context.Context, name string) (registrar.BatchResult, error) {
	return a.fire(ctx, name)
}

func (a *App) fire(ctx context.Context, name string) (registrar.BatchResult, error) {
	b, ok := a.acquire(name)
	if !ok {
		return registrar.BatchResult{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	defer b.inUse.Done()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return a.reg.Fire(ctx, b.name, b.dispatch)
}

// job is the engine task behind a cron entry. Per-subject failures are
// retried by the next tick; only an aborted batch is retried by the engine.
func (a *App) job(name string) scheduler.Job {
	return func(ctx context.Context) error {
		_, err := a.fire(ctx, name)
		if errors.Is(err, ErrUnknownTask) {
			return engine.NoRetry(err)
		}
		return err
	}
}

// Reports lists task reports, newest first.
func (a *App) Reports(ctx context.Context, task string, limit int) ([]registrar.TaskReport, error) {
	return a.reg.Reports(ctx, task, limit)
}

// Check looks up the ledger record for key.
func (a *App) Check(ctx context.Context, key ledger.Key) (ledger.Record, bool, error) {
	return a.ledger.Lookup(ctx, key)
}

// TaskStatus joins a configured task with its stored registration.
type TaskStatus struct {
	Name        string    `json:"name"`
	Configured  bool      `json:"configured"`
	Registered  bool      `json:"registered"`
	Cadence     string    `json:"cadence,omitempty"`
	Queue       string    `json:"queue,omitempty"`
	InstalledAt time.Time `json:"installed_at,omitzero"`
	NextRunAt   time.Time `json:"next_run_at,omitzero"`
	// Drift means the configured cadence or queue differs from the deployed one.
	Drift bool `json:"drift"`
}

func (a *App) Status(ctx context.Context) ([]TaskStatus, error) {
	regs, err := a.reg.Registrations(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	bound := make(map[string]*binding, len(a.bindings))
	for n, b := range a.bindings {
		bound[n] = b
	}
	a.mu.RUnlock()

	tz := ""
	if cfg := a.cfgm.Get(); cfg != nil {
		tz = cfg.Scheduler.Timezone
	}
	now := a.now()
	byName := map[string]TaskStatus{}
	for _, r := range regs {
		st := TaskStatus{
			Name:        r.TaskName,
			Registered:  true,
			Cadence:     r.Cadence.String(),
			Queue:       r.QueueLabel,
			InstalledAt: r.CreatedAt,
			NextRunAt:   r.NextRunAt,
		}
		if next, err := r.Cadence.Next(now); err == nil {
			st.NextRunAt = next.UTC()
		}
		if b, ok := bound[r.TaskName]; ok {
			st.Configured = true
			st.Drift = b.cadence.InZone(tz) != r.Cadence || queueOrDefault(b.queue) != r.QueueLabel
		}
		byName[r.TaskName] = st
	}
	for n, b := range bound {
		if _, ok := byName[n]; ok {
			continue
		}
		byName[n] = TaskStatus{
			Name:       n,
			Configured: true,
			Cadence:    b.cadence.InZone(tz).String(),
			Queue:      queueOrDefault(b.queue),
		}
	}

	out := make([]TaskStatus, 0, len(byName))
	for _, st := range byName {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func queueOrDefault(q string) string {
	if q = strings.TrimSpace(q); q == "" {
		return "default"
	}
	return q
}

// reconcile points cron entries at the stored registrations: a redeploy
// from another process replaces the registration and is picked up here.
func (a *App) reconcile(ctx context.Context) error {
	regs, err := a.reg.Registrations(ctx)
	if err != nil {
		return err
	}

	a.mu.RLock()
	timeouts := make(map[string]time.Duration, len(a.bindings))
	for n, b := range a.bindings {
		timeouts[n] = b.timeout
	}
	a.mu.RUnlock()

	a.schedMu.Lock()
	defer a.schedMu.Unlock()

	live := make(map[string]struct{}, len(regs))
	for _, r := range regs {
		timeout, ok := timeouts[r.TaskName]
		if !ok {
			a.log.Debug("registration without configured task", logx.String("task", r.TaskName))
			continue
		}
		live[r.TaskName] = struct{}{}
		if a.scheduled[r.TaskName] == r.ID {
			continue
		}
		err := a.sched.Upsert(scheduler.Entry{
			Name:    r.TaskName,
			Cadence: r.Cadence,
			Queue:   r.QueueLabel,
			Timeout: timeout,
			Job:     a.job(r.TaskName),
		})
		if err != nil {
			a.log.Warn("task schedule failed", logx.String("task", r.TaskName), logx.Err(err))
			continue
		}
		a.scheduled[r.TaskName] = r.ID
		a.log.Info("task scheduled",
			logx.String("task", r.TaskName),
			logx.String("cadence", r.Cadence.String()),
			logx.String("queue", r.QueueLabel),
			logx.String("registration", r.ID),
		)
	}

	for _, name := range a.sched.Names() {
		if _, ok := live[name]; ok {
			continue
		}
		a.sched.Remove(name)
		delete(a.scheduled, name)
		a.log.Info("task unscheduled", logx.String("task", name))
	}
	for name := range timeouts {
		if _, ok := live[name]; !ok {
			a.log.Debug("task configured but not deployed", logx.String("task", name))
		}
	}
	return nil
}

// forgetScheduled makes the next reconcile rebuild every cron entry.
func (a *App) forgetScheduled() {
	a.schedMu.Lock()
	clear(a.scheduled)
	a.schedMu.Unlock()
}
