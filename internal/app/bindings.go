package app

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nudge/internal/config"
	"nudge/internal/credential"
	"nudge/internal/notifier"
	"nudge/internal/registrar"
	"nudge/internal/subject"
	"nudge/internal/task/scheduler"
	logx "nudge/pkg/logx"
)

// binding is a configured task resolved into its collaborators.
type binding struct {
	name        string
	description string
	cadence     scheduler.Cadence
	queue       string
	timeout     time.Duration
	dispatch    registrar.Dispatch

	closers []io.Closer
	// inUse counts firings holding this binding; Add only under App.mu.
	inUse sync.WaitGroup
}

func (b *binding) close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// retire closes b once in-flight firings release it.
func (b *binding) retire(log logx.Logger) {
	go func() {
		b.inUse.Wait()
		if err := b.close(); err != nil {
			log.Warn("task binding close failed", logx.String("task", b.name), logx.Err(err))
		}
	}()
}

type bindingDeps struct {
	creds     *credential.Resolver
	overrides map[string]notifier.Notifier
	log       logx.Logger
}

// buildBindings resolves every enabled task. On error nothing stays open.
func buildBindings(cfg *config.Config, deps bindingDeps) (map[string]*binding, error) {
	notifiers := map[string]notifier.Notifier{}
	getNotifier := func(name string) (notifier.Notifier, error) {
		if n, ok := deps.overrides[name]; ok {
			return n, nil
		}
		if n, ok := notifiers[name]; ok {
			return n, nil
		}
		nc, ok := cfg.Notifiers[name]
		if !ok {
			if name != config.DefaultNotifier {
				return nil, fmt.Errorf("notifier %q is not configured", name)
			}
			nc = config.NotifierConfig{Driver: "log"}
		}
		ncfg, err := mapNotifierConfig(name, nc, deps.creds)
		if err != nil {
			return nil, err
		}
		n, err := notifier.Build(ncfg, deps.log.With(logx.String("comp", "notifier"), logx.String("notifier", name)))
		if err != nil {
			return nil, fmt.Errorf("notifiers.%s: %w", name, err)
		}
		notifiers[name] = n
		return n, nil
	}

	out := make(map[string]*binding, len(cfg.Tasks))
	fail := func(err error) (map[string]*binding, error) {
		for _, b := range out {
			_ = b.close()
		}
		return nil, err
	}

	for _, t := range cfg.Tasks {
		if t.Disabled {
			continue
		}
		b, err := buildBinding(cfg, t, getNotifier, deps.creds)
		if err != nil {
			return fail(fmt.Errorf("tasks[%s]: %w", t.Name, err))
		}
		out[b.name] = b
	}
	return out, nil
}

func buildBinding(cfg *config.Config, t config.TaskConfig, getNotifier func(string) (notifier.Notifier, error), creds *credential.Resolver) (*binding, error) {
	name := strings.TrimSpace(t.Name)
	cad, err := config.TaskCadence(t, cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationField("timeout", t.Timeout)
	if err != nil {
		return nil, err
	}

	b := &binding{
		name:        name,
		description: strings.TrimSpace(t.Description),
		cadence:     cad,
		queue:       strings.TrimSpace(t.Queue),
		timeout:     timeout,
	}

	ref := strings.TrimSpace(t.Notifier)
	if ref == "" {
		ref = config.DefaultNotifier
	}
	n, err := getNotifier(ref)
	if err != nil {
		return nil, err
	}

	src, closer, err := buildSource(t.Subjects, creds)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		b.closers = append(b.closers, closer)
	}

	var lim *rate.Limiter
	if t.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(t.RatePerSec), max(1, t.Burst))
	}

	b.dispatch = registrar.Dispatch{
		Kind:        strings.TrimSpace(t.Kind),
		Description: b.description,
		Text:        t.Text,
		Subjects:    src,
		Notifier:    n,
		Concurrency: t.Concurrency,
		Limiter:     lim,
	}
	return b, nil
}

func buildSource(sc config.SubjectsConfig, creds *credential.Resolver) (subject.Source, io.Closer, error) {
	kind := strings.TrimSpace(sc.Kind)
	if sc.SQL == nil {
		subs := make([]subject.Subject, 0, len(sc.Static))
		for _, s := range sc.Static {
			subs = append(subs, subject.Subject{ID: strings.TrimSpace(s.ID), Kind: kind, Attrs: s.Attrs})
		}
		return subject.NewStatic(subs...), nil, nil
	}

	minAge, err := config.ParseDurationField("subjects.sql.min_age", sc.SQL.MinAge)
	if err != nil {
		return nil, nil, err
	}
	dsn := sc.SQL.DSN
	if creds != nil {
		if dsn, err = creds.Resolve(dsn); err != nil {
			return nil, nil, fmt.Errorf("subjects.sql.dsn: %w", err)
		}
	}
	src, err := subject.OpenSQL(subject.SQLConfig{
		Driver:   sc.SQL.Driver,
		DSN:      dsn,
		Query:    sc.SQL.Query,
		Kind:     kind,
		IDColumn: sc.SQL.IDColumn,
		MinAge:   minAge,
	})
	if err != nil {
		return nil, nil, err
	}
	return src, src, nil
}

func sortedNames(m map[string]*binding) []string {
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
