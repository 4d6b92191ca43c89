package registrar

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"nudge/internal/eventbus"
	"nudge/internal/ledger"
	"nudge/internal/task/scheduler"
	"nudge/pkg/logx"
)

const (
	defaultInstallAttempts = 5
	defaultQueue           = "default"
)

// Registrar keeps one registration per task name, reports on deployments and
// runs firings against the ledger.
type Registrar struct {
	tasks   TaskStore
	reports ReportStore
	ledger  *ledger.Ledger

	log         logx.Logger
	bus         eventbus.Bus
	now         func() time.Time
	timezone    string
	maxAttempts int
}

type Option func(*Registrar)

func WithLogger(l logx.Logger) Option { return func(r *Registrar) { r.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(r *Registrar) { r.bus = b } }
func WithClock(now func() time.Time) Option {
	return func(r *Registrar) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTimezone sets the zone used for cadences that do not name one.
func WithTimezone(tz string) Option { return func(r *Registrar) { r.timezone = tz } }

// WithInstallAttempts bounds delete+insert rounds when installs race.
func WithInstallAttempts(n int) Option {
	return func(r *Registrar) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func New(tasks TaskStore, reports ReportStore, l *ledger.Ledger, opts ...Option) *Registrar {
	r := &Registrar{
		tasks:       tasks,
		reports:     reports,
		ledger:      l,
		log:         logx.Nop(),
		now:         time.Now,
		maxAttempts: defaultInstallAttempts,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(logx.String("comp", "registrar"))
	return r
}

type installOptions struct {
	description string
}

type InstallOption func(*installOptions)

// WithDescription sets the human description carried into task reports.
func WithDescription(d string) InstallOption {
	return func(o *installOptions) { o.description = strings.TrimSpace(d) }
}

// Install replaces any registration named taskName with a new one. Concurrent
// installers converge on a single registration: a losing insert retries the
// delete+insert round until it wins or attempts run out.
func (r *Registrar) Install(ctx context.Context, taskName string, cadence scheduler.Cadence, queueLabel string, opts ...InstallOption) (Registration, error) {
	taskName = strings.TrimSpace(taskName)
	if taskName == "" {
		return Registration{}, fmt.Errorf("%w: task name is empty", ErrInvalidTask)
	}
	cadence = cadence.InZone(r.timezone)
	if err := cadence.Validate(); err != nil {
		return Registration{}, fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	queueLabel = strings.TrimSpace(queueLabel)
	if queueLabel == "" {
		queueLabel = defaultQueue
	}
	var o installOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := r.log.With(logx.String("task", taskName))
	for attempt := 1; ; attempt++ {
		removed, err := r.tasks.DeleteByName(ctx, taskName)
		if err != nil {
			return Registration{}, fmt.Errorf("%w: delete %q: %w", ErrSchedulerUnavailable, taskName, err)
		}

		now := r.now().UTC()
		next, err := cadence.Next(now)
		if err != nil {
			return Registration{}, fmt.Errorf("%w: %w", ErrInvalidTask, err)
		}
		reg := Registration{
			ID:          uuid.NewString(),
			TaskName:    taskName,
			Cadence:     cadence,
			QueueLabel:  queueLabel,
			Description: o.description,
			CreatedAt:   now,
			NextRunAt:   next.UTC(),
		}

		err = r.tasks.InsertUnique(ctx, reg)
		if err == nil {
			log.Info("task installed",
				logx.String("cadence", cadence.String()),
				logx.String("queue", queueLabel),
				logx.Time("next_run_at", reg.NextRunAt),
				logx.Int("replaced", removed),
				logx.Int("attempt", attempt),
			)
			eventbus.Publish(r.bus, eventbus.RegistrarInstalled, reg)
			return reg, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Registration{}, fmt.Errorf("%w: insert %q: %w", ErrSchedulerUnavailable, taskName, err)
		}
		if attempt >= r.maxAttempts {
			log.Error("install gave up after conflicts", logx.Int("attempts", attempt))
			return Registration{}, fmt.Errorf("%w: %q after %d attempts", ErrInstallConflict, taskName, attempt)
		}
		log.Debug("install conflict, retrying", logx.Int("attempt", attempt))
		if err := sleepCtx(ctx, time.Duration(rand.Int63n(int64(10*time.Millisecond)))); err != nil {
			return Registration{}, err
		}
	}
}

// ReportOutcome records a TaskReport for the current registration of
// taskName. It returns nil, nil when the task is not registered.
func (r *Registrar) ReportOutcome(ctx context.Context, taskName string) (*TaskReport, error) {
	taskName = strings.TrimSpace(taskName)
	reg, ok, err := r.tasks.FindByName(ctx, taskName)
	if err != nil {
		return nil, fmt.Errorf("%w: find %q: %w", ErrStorageUnavailable, taskName, err)
	}
	if !ok {
		r.log.Debug("no registration to report", logx.String("task", taskName))
		return nil, nil
	}

	now := r.now().UTC()
	first := reg.NextRunAt
	if next, err := reg.Cadence.Next(now); err == nil {
		first = next.UTC()
	} else {
		r.log.Warn("cadence not evaluable; reporting stored next run",
			logx.String("task", reg.TaskName), logx.Err(err))
	}
	desc := reg.Description
	if desc == "" {
		desc = fmt.Sprintf("%s on queue %s, %s", reg.TaskName, reg.QueueLabel, reg.Cadence)
	}
	rep := TaskReport{
		ID:          uuid.NewString(),
		TaskName:    reg.TaskName,
		Description: desc,
		FirstRunAt:  first,
		CreatedAt:   now,
	}
	if err := r.reports.AppendReport(ctx, rep); err != nil {
		return nil, fmt.Errorf("%w: append report: %w", ErrStorageUnavailable, err)
	}
	r.log.Info("task reported", logx.String("task", rep.TaskName), logx.Time("first_run_at", rep.FirstRunAt))
	eventbus.Publish(r.bus, eventbus.RegistrarReported, rep)
	return &rep, nil
}

// Registrations lists all live registrations.
func (r *Registrar) Registrations(ctx context.Context) ([]Registration, error) {
	regs, err := r.tasks.ListRegistrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return regs, nil
}

// Registration returns the live registration for taskName.
func (r *Registrar) Registration(ctx context.Context, taskName string) (Registration, bool, error) {
	reg, ok, err := r.tasks.FindByName(ctx, strings.TrimSpace(taskName))
	if err != nil {
		return Registration{}, false, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return reg, ok, nil
}

// Reports lists reports newest first.
func (r *Registrar) Reports(ctx context.Context, taskName string, limit int) ([]TaskReport, error) {
	reps, err := r.reports.ListReports(ctx, strings.TrimSpace(taskName), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return reps, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
