// Package scheduler computes fire times for recurring tasks and triggers them.
//
// It is responsible only for:
//   - parsing and evaluating cadences (anchored intervals, cron)
//   - keeping one cron entry per task name
//   - enqueueing fired tasks into the task engine
//
// Execution, retries and overlap gating live in internal/task/engine.
package scheduler
