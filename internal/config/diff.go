package config

import (
	"reflect"
	"sort"
	"strings"

	logx "nudge/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of tasks that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.reconcile_every", strings.TrimSpace(newCfg.Scheduler.ReconcileEvery)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	// Storage: compare shape only; never log the redis password.
	oS, nS := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oS.Driver), strings.TrimSpace(nS.Driver)) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		!reflect.DeepEqual(oS.Redis, nS.Redis) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.redis_set", nS.Redis != nil),
		)
	}

	if changedNotifiers := diffNotifiers(oldCfg.Notifiers, newCfg.Notifiers); len(changedNotifiers) > 0 {
		changed = append(changed, "notifiers")
		attrs = append(attrs, logx.Strings("notifiers.changed", changedNotifiers))
	}

	tasksChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(tasksChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(tasksChanged)),
			logx.Int("tasks.count", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, tasksChanged
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func diffNotifiers(oldM, newM map[string]NotifierConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || hashJSON(o) != hashJSON(n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func diffTasks(oldT, newT []TaskConfig) []string {
	index := func(ts []TaskConfig) map[string]uint64 {
		m := make(map[string]uint64, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.Name)] = hashJSON(t)
		}
		return m
	}
	o, n := index(oldT), index(newT)
	set := map[string]struct{}{}
	for k := range o {
		set[k] = struct{}{}
	}
	for k := range n {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		oh, oOK := o[name]
		nh, nOK := n[name]
		if oOK != nOK || oh != nh {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
