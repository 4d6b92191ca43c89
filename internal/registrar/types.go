package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"nudge/internal/ledger"
	"nudge/internal/notifier"
	"nudge/internal/subject"
	"nudge/internal/task/scheduler"
)

var (
	// ErrConflict is returned by TaskStore.InsertUnique when a registration
	// with the same task name already exists.
	ErrConflict = errors.New("registrar: registration conflict")
	// ErrSchedulerUnavailable wraps task store failures during install.
	ErrSchedulerUnavailable = errors.New("registrar: scheduler unavailable")
	// ErrInstallConflict means install kept losing races and gave up; the
	// registration state for the task is unknown.
	ErrInstallConflict = errors.New("registrar: install failed, previous registration state unknown")
	// ErrStorageUnavailable is shared with the ledger.
	ErrStorageUnavailable = ledger.ErrStorageUnavailable
	ErrInvalidTask        = errors.New("registrar: invalid task")
)

// Registration is the single live schedule entry for a task name.
type Registration struct {
	ID          string            `json:"id"`
	TaskName    string            `json:"task_name"`
	Cadence     scheduler.Cadence `json:"cadence"`
	QueueLabel  string            `json:"queue_label"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	NextRunAt   time.Time         `json:"next_run_at"`
}

// TaskReport is the audit entry produced after a deployment.
type TaskReport struct {
	ID          string    `json:"id"`
	TaskName    string    `json:"task_name"`
	Description string    `json:"description"`
	FirstRunAt  time.Time `json:"first_run_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskStore persists registrations. The store's uniqueness on TaskName is
// the only guard against duplicates.
type TaskStore interface {
	InsertUnique(ctx context.Context, reg Registration) error
	DeleteByName(ctx context.Context, taskName string) (int, error)
	FindByName(ctx context.Context, taskName string) (Registration, bool, error)
	ListRegistrations(ctx context.Context) ([]Registration, error)
}

// ReportStore is an append-only log of task reports.
type ReportStore interface {
	AppendReport(ctx context.Context, rep TaskReport) error
	// ListReports returns newest first. An empty taskName lists all tasks;
	// limit <= 0 means no limit.
	ListReports(ctx context.Context, taskName string, limit int) ([]TaskReport, error)
}

// Dispatch binds a firing to its collaborators.
type Dispatch struct {
	// Kind is the notification kind recorded in the ledger; defaults to the task name.
	Kind        string
	Description string
	Text        string
	Subjects    subject.Source
	Notifier    notifier.Notifier
	// Concurrency is the number of subjects processed in parallel (default 1).
	Concurrency int
	// Limiter, when set, throttles notify calls.
	Limiter *rate.Limiter
}

// SubjectFailure is a subject whose notification failed in this batch.
type SubjectFailure struct {
	Subject subject.Subject `json:"subject"`
	Err     error           `json:"-"`
}

func (f SubjectFailure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		Subject subject.Subject `json:"subject"`
		Error   string          `json:"error"`
	}{f.Subject, msg})
}

// BatchResult summarizes one firing.
type BatchResult struct {
	TaskName   string    `json:"task_name"`
	Kind       string    `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Considered      int `json:"considered"`
	Notified        int `json:"notified"`
	AlreadyNotified int `json:"already_notified"`
	// Duplicates counts notifications whose record lost a race to another writer.
	Duplicates int              `json:"duplicates"`
	Failures   []SubjectFailure `json:"failures,omitempty"`
	Aborted    bool             `json:"aborted"`
}

func (r BatchResult) Failed() int { return len(r.Failures) }
